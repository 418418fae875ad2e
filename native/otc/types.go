package otc

import (
	"fmt"
	"math/big"
	"strings"
)

// TradeStatus represents the lifecycle phases of a pairwise OTC trade slot.
type TradeStatus uint8

const (
	StatusUninitialized TradeStatus = iota
	StatusPending
	StatusCompleted
	StatusCanceled
)

// Valid reports whether the status value is within the supported range.
func (s TradeStatus) Valid() bool {
	switch s {
	case StatusUninitialized, StatusPending, StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase label for the status.
func (s TradeStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// AssetClass tags a trade with the deposit and settlement rules its legs obey.
type AssetClass uint8

const (
	ClassToken AssetClass = iota + 1
	ClassNFT
	ClassFile
)

// Valid reports whether the class value is recognised.
func (c AssetClass) Valid() bool {
	switch c {
	case ClassToken, ClassNFT, ClassFile:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase label for the asset class.
func (c AssetClass) String() string {
	switch c {
	case ClassToken:
		return "token"
	case ClassNFT:
		return "nft"
	case ClassFile:
		return "file"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseAssetClass resolves a class label supplied at the boundary.
func ParseAssetClass(label string) (AssetClass, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "token":
		return ClassToken, nil
	case "nft":
		return ClassNFT, nil
	case "file":
		return ClassFile, nil
	default:
		return 0, ErrInvalidAssetClass
	}
}

// AssetKind discriminates the tagged asset union carried by each trade side.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetToken
	AssetFile
)

// Asset identifies what a trade side escrows. Native currency and file
// identifiers carry no token symbol; fungible assets are addressed by their
// normalised symbol. File legs store the file identifier in the side amount.
type Asset struct {
	Kind  AssetKind
	Token string
}

// NativeAsset returns the native-currency asset reference.
func NativeAsset() Asset { return Asset{Kind: AssetNative} }

// TokenAsset returns a fungible asset reference for the supplied symbol.
func TokenAsset(symbol string) Asset {
	return Asset{Kind: AssetToken, Token: strings.ToUpper(strings.TrimSpace(symbol))}
}

// FileAsset returns the reserved file-identifier asset reference.
func FileAsset() Asset { return Asset{Kind: AssetFile} }

// Equal reports whether two asset references denote the same asset.
func (a Asset) Equal(other Asset) bool {
	return a.Kind == other.Kind && a.Token == other.Token
}

// Valid reports whether the asset reference is internally consistent.
func (a Asset) Valid() bool {
	switch a.Kind {
	case AssetNative, AssetFile:
		return a.Token == ""
	case AssetToken:
		return strings.TrimSpace(a.Token) != ""
	default:
		return false
	}
}

// String renders the asset for events and diagnostics.
func (a Asset) String() string {
	switch a.Kind {
	case AssetNative:
		return "native"
	case AssetFile:
		return "file"
	case AssetToken:
		return a.Token
	default:
		return fmt.Sprintf("asset(%d)", uint8(a.Kind))
	}
}

// Side captures one participant's leg of a trade. Amount holds the file
// identifier when the asset is the file reference.
type Side struct {
	Participant     [20]byte
	Asset           Asset
	Amount          *big.Int
	Funded          bool
	CancelRequested bool
}

func (s *Side) clone() Side {
	out := *s
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	} else {
		out.Amount = big.NewInt(0)
	}
	return out
}

// SideID names the result of resolving a caller against a trade's two sides.
type SideID uint8

const (
	SideNeither SideID = iota
	SideA
	SideB
)

// Trade is the single mutable record held per pairing key. The slot is reset
// after distribution or full cancellation so the same pair can trade again.
type Trade struct {
	Key      [32]byte
	Class    AssetClass
	SideA    Side
	SideB    Side
	Status   TradeStatus
	OpenedAt int64
}

// Clone returns a deep copy of the trade so callers can mutate the result
// without affecting the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.SideA = t.SideA.clone()
	clone.SideB = t.SideB.clone()
	return &clone
}

// SideOf resolves which side of the trade the supplied identity occupies.
func (t *Trade) SideOf(participant [20]byte) SideID {
	if t == nil {
		return SideNeither
	}
	switch participant {
	case t.SideA.Participant:
		return SideA
	case t.SideB.Participant:
		return SideB
	default:
		return SideNeither
	}
}

func (t *Trade) side(id SideID) (own, opposite *Side) {
	if id == SideA {
		return &t.SideA, &t.SideB
	}
	return &t.SideB, &t.SideA
}

// SanitizeTrade validates the supplied trade record and returns a cloned
// instance with non-nil amounts. The original value is not mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("otc: nil trade")
	}
	clone := t.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("otc: invalid trade status %d", clone.Status)
	}
	if clone.Status != StatusUninitialized && !clone.Class.Valid() {
		return nil, fmt.Errorf("otc: invalid asset class %d", clone.Class)
	}
	if clone.SideA.Amount.Sign() < 0 || clone.SideB.Amount.Sign() < 0 {
		return nil, fmt.Errorf("otc: trade amounts must be non-negative")
	}
	return clone, nil
}

// TradeSnapshot is an immutable copy of a trade taken at the moment it left
// the Pending state, appended to the completed-trade history.
type TradeSnapshot struct {
	Trade    Trade
	ClosedAt int64
}

// Snapshot captures the trade for the history log.
func (t *Trade) Snapshot(closedAt int64) *TradeSnapshot {
	if t == nil {
		return nil
	}
	return &TradeSnapshot{Trade: *t.Clone(), ClosedAt: closedAt}
}
