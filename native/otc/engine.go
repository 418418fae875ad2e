package otc

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"otcswap/core/events"
	"otcswap/core/types"
)

// Authority gates administrative operations. Ownership administration itself
// lives outside the engine.
type Authority interface {
	IsAuthorized(addr [20]byte) bool
}

// engineState is the persistence and ledger surface the engine depends on.
// Token transfers use the empty symbol convention nowhere; native custody is
// tracked under the empty token key.
type engineState interface {
	TradePut(*Trade) error
	TradeGet(key [32]byte) (*Trade, bool)
	HistoryAppend(*TradeSnapshot) error
	HistoryLen() uint64
	HistoryGet(index uint64) (*TradeSnapshot, bool)
	FileIndexPut(fileID uint64, buyer [20]byte) error
	FileIndexGet(fileID uint64) ([20]byte, bool)
	VaultAddress() [20]byte
	TransferNative(from, to [20]byte, amount *big.Int) error
	TransferToken(token string, from, to [20]byte, amount *big.Int) error
	BalanceNative(addr [20]byte) (*big.Int, error)
	BalanceToken(token string, addr [20]byte) (*big.Int, error)
	CustodyCredit(token string, amount *big.Int) error
	CustodyDebit(token string, amount *big.Int) error
	CustodyTotal(token string) (*big.Int, error)
}

type tradeEvent struct {
	evt *types.Event
}

func (e tradeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e tradeEvent) Event() *types.Event { return e.evt }

// Engine implements the pairwise OTC trade state machine and the settlement
// distribution that fires when both sides are funded. All operations are
// serialized behind a single mutex so two deposits racing for the same pair
// key cannot both observe the opposite side unfunded.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	fees        *FeeCalculator
	authority   Authority
	emitter     events.Emitter
	feeTreasury [20]byte
	nowFn       func() int64
}

// NewEngine creates an engine with the default fee schedule and a no-op
// emitter. Callers wire state, oracle and emitter before use.
func NewEngine() *Engine {
	return &Engine{
		fees:    NewFeeCalculator(nil),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAuthority configures the ownership collaborator gating admin calls.
func (e *Engine) SetAuthority(auth Authority) { e.authority = auth }

// SetFeeTreasury configures the account receiving settlement fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetOracle wires the stake oracle during startup. Runtime swaps go through
// SetStakeOracle, which is authority gated.
func (e *Engine) SetOracle(oracle StakeOracle) { e.fees.SetOracle(oracle) }

// SetStakeOracle swaps the oracle backing tier lookups. Gated by the
// authority collaborator.
func (e *Engine) SetStakeOracle(caller [20]byte, oracle StakeOracle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAuthorized(caller); err != nil {
		return err
	}
	if oracle == nil {
		return errNilOracle
	}
	e.fees.SetOracle(oracle)
	e.emit(NewOracleUpdatedEvent())
	return nil
}

// SetFeeRate updates the fee rate for a single tier. Gated by the authority
// collaborator; the schedule must stay monotonically non-increasing.
func (e *Engine) SetFeeRate(caller [20]byte, tier Tier, ratePpm uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAuthorized(caller); err != nil {
		return err
	}
	if err := e.fees.SetRate(tier, ratePpm); err != nil {
		return err
	}
	e.emit(NewFeeUpdatedEvent(tier, ratePpm))
	return nil
}

// FeeSchedule returns the active fee schedule.
func (e *Engine) FeeSchedule() FeeSchedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees.Schedule()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(tradeEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAuthorized(caller [20]byte) error {
	if e.authority == nil || !e.authority.IsAuthorized(caller) {
		return ErrUnauthorized
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// CreateTrade opens a Pending trade between the caller and the counterparty.
// The caller occupies side A. At most one Pending trade may exist per
// unordered pair at any time.
func (e *Engine) CreateTrade(creator [20]byte, class AssetClass, counterparty [20]byte, assetA, assetB Asset, amountA, amountB *big.Int) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if counterparty == ([20]byte{}) {
		return nil, ErrInvalidCounterparty
	}
	if !class.Valid() {
		return nil, ErrInvalidAssetClass
	}
	if err := validateLeg(class, assetA, amountA); err != nil {
		return nil, err
	}
	if err := validateLeg(class, assetB, amountB); err != nil {
		return nil, err
	}
	key := DeriveKey(creator, counterparty)
	if existing, ok := e.state.TradeGet(key); ok && existing.Status == StatusPending {
		return nil, ErrTradeAlreadyOpen
	}
	trade := &Trade{
		Key:   key,
		Class: class,
		SideA: Side{
			Participant: creator,
			Asset:       assetA,
			Amount:      cloneBigInt(amountA),
		},
		SideB: Side{
			Participant: counterparty,
			Asset:       assetB,
			Amount:      cloneBigInt(amountB),
		},
		Status:   StatusPending,
		OpenedAt: e.now(),
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeCreatedEvent(trade))
	return trade.Clone(), nil
}

func validateLeg(class AssetClass, asset Asset, amount *big.Int) error {
	if !asset.Valid() {
		return ErrAssetMismatch
	}
	if asset.Kind == AssetFile && class != ClassFile {
		return ErrInvalidAssetClass
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if asset.Kind == AssetFile && !amount.IsUint64() {
		// The amount of a file leg is its registry identifier.
		return ErrInvalidAmount
	}
	return nil
}

// DepositToken funds the caller's leg with a fungible asset. When the leg
// carries the file reference no value moves; the identifier alone marks the
// side funded. Funding the second side triggers distribution synchronously.
func (e *Engine) DepositToken(caller, partyA, partyB [20]byte, asset Asset, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if asset.Kind == AssetNative {
		return ErrAssetMismatch
	}
	return e.deposit(caller, partyA, partyB, asset, amount)
}

// DepositNative funds the caller's leg with attached native value.
func (e *Engine) DepositNative(caller, partyA, partyB [20]byte, value *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deposit(caller, partyA, partyB, NativeAsset(), value)
}

func (e *Engine) deposit(caller, partyA, partyB [20]byte, asset Asset, amount *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	key := DeriveKey(partyA, partyB)
	trade, ok := e.state.TradeGet(key)
	if !ok || trade.Status != StatusPending {
		return ErrNoPendingTrade
	}
	sideID := trade.SideOf(caller)
	if sideID == SideNeither {
		return ErrUnknownParticipant
	}
	side, opposite := trade.side(sideID)
	if side.Funded {
		return ErrAlreadyFunded
	}
	if !asset.Equal(side.Asset) {
		return ErrAssetMismatch
	}
	if amount == nil || amount.Cmp(side.Amount) != 0 {
		return ErrAmountMismatch
	}
	completing := opposite.Funded
	var plan *settlementPlan
	if completing {
		// Resolve both receivers' tiers before the first write so an
		// oracle failure cannot strand a half-settled trade.
		var err error
		plan, err = e.settlementPlan(trade)
		if err != nil {
			return err
		}
	}
	if side.Asset.Kind != AssetFile {
		if err := e.pullCustody(side, caller); err != nil {
			return err
		}
	}
	side.Funded = true
	if !completing {
		if err := e.state.TradePut(trade); err != nil {
			return err
		}
		e.emit(NewTradeDepositedEvent(trade, caller))
		return nil
	}
	funded := trade.Clone()
	snap, err := e.distribute(trade, plan)
	if err != nil {
		return err
	}
	e.emit(NewTradeDepositedEvent(funded, caller))
	e.emit(NewTradeCompletedEvent(&snap.Trade))
	return nil
}

func (e *Engine) pullCustody(side *Side, from [20]byte) error {
	vault := e.state.VaultAddress()
	var err error
	switch side.Asset.Kind {
	case AssetNative:
		err = e.state.TransferNative(from, vault, side.Amount)
	default:
		err = e.state.TransferToken(side.Asset.Token, from, vault, side.Amount)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return e.state.CustodyCredit(custodyKey(side.Asset), side.Amount)
}

func (e *Engine) returnCustody(side *Side) error {
	if side.Asset.Kind == AssetFile {
		return nil
	}
	vault := e.state.VaultAddress()
	var err error
	switch side.Asset.Kind {
	case AssetNative:
		err = e.state.TransferNative(vault, side.Participant, side.Amount)
	default:
		err = e.state.TransferToken(side.Asset.Token, vault, side.Participant, side.Amount)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return e.state.CustodyDebit(custodyKey(side.Asset), side.Amount)
}

func custodyKey(asset Asset) string {
	if asset.Kind == AssetToken {
		return asset.Token
	}
	return ""
}

// Cancel unwinds a stalled Pending trade. Cancellation is deliberately
// permissionless: any caller may trigger the refund policy, which only ever
// returns custody to the side that deposited it. A funded side is refunded in
// full, untouched by fees. When both sides carry funds each cancel call
// processes one side; the trade finalises once both sides are flagged.
func (e *Engine) Cancel(partyA, partyB [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	key := DeriveKey(partyA, partyB)
	trade, ok := e.state.TradeGet(key)
	if !ok || trade.Status != StatusPending {
		return ErrNoPendingTrade
	}
	a, b := &trade.SideA, &trade.SideB
	switch {
	case !a.Funded && !b.Funded:
		a.CancelRequested = true
		b.CancelRequested = true
		return e.finalizeCancel(trade)
	case a.Funded && !a.CancelRequested:
		return e.cancelSide(trade, a, b)
	case b.Funded && !b.CancelRequested:
		return e.cancelSide(trade, b, a)
	default:
		return ErrAlreadyCanceled
	}
}

func (e *Engine) cancelSide(trade *Trade, side, opposite *Side) error {
	if err := e.returnCustody(side); err != nil {
		return err
	}
	side.CancelRequested = true
	side.Funded = false
	if !opposite.Funded {
		// Nothing at stake on the other leg; no second call needed.
		opposite.CancelRequested = true
	}
	if opposite.CancelRequested {
		return e.finalizeCancel(trade)
	}
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeCanceledEvent(trade, false))
	return nil
}

func (e *Engine) finalizeCancel(trade *Trade) error {
	trade.Status = StatusCanceled
	if err := e.state.HistoryAppend(trade.Snapshot(e.now())); err != nil {
		return err
	}
	e.emit(NewTradeCanceledEvent(trade, true))
	resetSlot(trade)
	return e.state.TradePut(trade)
}

// GetTrade returns a snapshot of the trade slot for the unordered pair.
func (e *Engine) GetTrade(partyA, partyB [20]byte) (*Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false
	}
	trade, ok := e.state.TradeGet(DeriveKey(partyA, partyB))
	if !ok {
		return nil, false
	}
	return trade.Clone(), true
}

// CompletedTradeCount reports the length of the completed-trade history.
func (e *Engine) CompletedTradeCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return 0
	}
	return e.state.HistoryLen()
}

// CompletedTrade returns the history entry at the supplied index.
func (e *Engine) CompletedTrade(index uint64) (*TradeSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false
	}
	return e.state.HistoryGet(index)
}

// FileBuyer reports which identity bought access to the supplied file
// identifier, if any file-class trade has completed for it.
func (e *Engine) FileBuyer(fileID uint64) ([20]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return [20]byte{}, false
	}
	return e.state.FileIndexGet(fileID)
}

// RecoverToken sweeps tokens held by the vault outside any active trade to
// the supplied recipient. Gated by the authority collaborator.
func (e *Engine) RecoverToken(caller [20]byte, token string, amount *big.Int, to [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recover(caller, TokenAsset(token), amount, to)
}

// RecoverNative sweeps native value held by the vault outside any active
// trade. Gated by the authority collaborator.
func (e *Engine) RecoverNative(caller [20]byte, amount *big.Int, to [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recover(caller, NativeAsset(), amount, to)
}

func (e *Engine) recover(caller [20]byte, asset Asset, amount *big.Int, to [20]byte) error {
	if e.state == nil {
		return errNilState
	}
	if err := e.requireAuthorized(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vault := e.state.VaultAddress()
	var balance *big.Int
	var err error
	if asset.Kind == AssetNative {
		balance, err = e.state.BalanceNative(vault)
	} else {
		balance, err = e.state.BalanceToken(asset.Token, vault)
	}
	if err != nil {
		return err
	}
	custody, err := e.state.CustodyTotal(custodyKey(asset))
	if err != nil {
		return err
	}
	stranded := new(big.Int).Sub(cloneBigInt(balance), cloneBigInt(custody))
	if stranded.Cmp(amount) < 0 {
		return fmt.Errorf("%w: exceeds stranded balance %s", ErrInvalidAmount, stranded)
	}
	if asset.Kind == AssetNative {
		err = e.state.TransferNative(vault, to, amount)
	} else {
		err = e.state.TransferToken(asset.Token, vault, to, amount)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(NewRecoveredEvent(asset, amount.String(), to))
	return nil
}
