package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"otcswap/native/otc"
	"otcswap/storage"
)

var (
	tradePrefix     = []byte("otc/trade/")
	historyPrefix   = []byte("otc/history/")
	historyCountKey = ethcrypto.Keccak256([]byte("otc/history/count"))
	filePrefix      = []byte("otc/file/")
	custodyPrefix   = []byte("otc/custody/")
	balancePrefix   = []byte("balance:")
	stakePrefix     = []byte("stake:")

	// The vault is the module-owned account holding trade custody.
	vaultAddress = func() [20]byte {
		var addr [20]byte
		copy(addr[:], ethcrypto.Keccak256([]byte("otcswap/module/vault"))[12:])
		return addr
	}()
)

// nativeSymbol keys native-currency balances and custody under the balance
// and custody prefixes. It cannot collide with token symbols, which are
// normalised to upper case.
const nativeSymbol = "native"

// Manager persists trade records, settlement history, the file completion
// index, account balances and custody counters in a key-value database. It
// implements the trade engine's state interface and the stake oracle read.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func tradeKey(key [32]byte) []byte {
	buf := make([]byte, len(tradePrefix)+len(key))
	copy(buf, tradePrefix)
	copy(buf[len(tradePrefix):], key[:])
	return ethcrypto.Keccak256(buf)
}

func historyKey(index uint64) []byte {
	buf := make([]byte, len(historyPrefix)+8)
	copy(buf, historyPrefix)
	binary.BigEndian.PutUint64(buf[len(historyPrefix):], index)
	return ethcrypto.Keccak256(buf)
}

func fileKey(fileID uint64) []byte {
	buf := make([]byte, len(filePrefix)+8)
	copy(buf, filePrefix)
	binary.BigEndian.PutUint64(buf[len(filePrefix):], fileID)
	return ethcrypto.Keccak256(buf)
}

func custodyKey(token string) []byte {
	if token == "" {
		token = nativeSymbol
	}
	buf := make([]byte, len(custodyPrefix)+len(token))
	copy(buf, custodyPrefix)
	copy(buf[len(custodyPrefix):], token)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(token string, addr [20]byte) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(token)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, token...)
	buf = append(buf, ':')
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

func stakeKey(addr [20]byte) []byte {
	buf := make([]byte, 0, len(stakePrefix)+len(addr))
	buf = append(buf, stakePrefix...)
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

// storedSide mirrors otc.Side with RLP-friendly field types.
type storedSide struct {
	Participant     [20]byte
	AssetKind       uint8
	Token           string
	Amount          *big.Int
	Funded          bool
	CancelRequested bool
}

type storedTrade struct {
	Key      [32]byte
	Class    uint8
	SideA    storedSide
	SideB    storedSide
	Status   uint8
	OpenedAt uint64
}

type storedSnapshot struct {
	Trade    storedTrade
	ClosedAt uint64
}

func encodeSide(s otc.Side) storedSide {
	amount := s.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return storedSide{
		Participant:     s.Participant,
		AssetKind:       uint8(s.Asset.Kind),
		Token:           s.Asset.Token,
		Amount:          amount,
		Funded:          s.Funded,
		CancelRequested: s.CancelRequested,
	}
}

func decodeSide(s storedSide) otc.Side {
	return otc.Side{
		Participant:     s.Participant,
		Asset:           otc.Asset{Kind: otc.AssetKind(s.AssetKind), Token: s.Token},
		Amount:          s.Amount,
		Funded:          s.Funded,
		CancelRequested: s.CancelRequested,
	}
}

func encodeTrade(t *otc.Trade) storedTrade {
	return storedTrade{
		Key:      t.Key,
		Class:    uint8(t.Class),
		SideA:    encodeSide(t.SideA),
		SideB:    encodeSide(t.SideB),
		Status:   uint8(t.Status),
		OpenedAt: uint64(t.OpenedAt),
	}
}

func decodeTrade(t storedTrade) *otc.Trade {
	return &otc.Trade{
		Key:      t.Key,
		Class:    otc.AssetClass(t.Class),
		SideA:    decodeSide(t.SideA),
		SideB:    decodeSide(t.SideB),
		Status:   otc.TradeStatus(t.Status),
		OpenedAt: int64(t.OpenedAt),
	}
}

// TradePut persists the trade record under its pairing key.
func (m *Manager) TradePut(t *otc.Trade) error {
	sanitized, err := otc.SanitizeTrade(t)
	if err != nil {
		return err
	}
	blob, err := rlp.EncodeToBytes(encodeTrade(sanitized))
	if err != nil {
		return fmt.Errorf("state: encode trade: %w", err)
	}
	return m.db.Put(tradeKey(sanitized.Key), blob)
}

// TradeGet loads the trade record stored for the pairing key.
func (m *Manager) TradeGet(key [32]byte) (*otc.Trade, bool) {
	blob, found, err := m.db.Get(tradeKey(key))
	if err != nil || !found {
		return nil, false
	}
	var stored storedTrade
	if err := rlp.DecodeBytes(blob, &stored); err != nil {
		return nil, false
	}
	return decodeTrade(stored), true
}

// HistoryAppend adds an immutable snapshot to the completed-trade log.
func (m *Manager) HistoryAppend(snap *otc.TradeSnapshot) error {
	if snap == nil {
		return fmt.Errorf("state: nil snapshot")
	}
	index := m.HistoryLen()
	blob, err := rlp.EncodeToBytes(storedSnapshot{
		Trade:    encodeTrade(&snap.Trade),
		ClosedAt: uint64(snap.ClosedAt),
	})
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	if err := m.db.Put(historyKey(index), blob); err != nil {
		return err
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], index+1)
	return m.db.Put(historyCountKey, count[:])
}

// HistoryLen reports the number of recorded snapshots.
func (m *Manager) HistoryLen() uint64 {
	blob, found, err := m.db.Get(historyCountKey)
	if err != nil || !found || len(blob) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(blob)
}

// HistoryGet returns the snapshot stored at the supplied index.
func (m *Manager) HistoryGet(index uint64) (*otc.TradeSnapshot, bool) {
	blob, found, err := m.db.Get(historyKey(index))
	if err != nil || !found {
		return nil, false
	}
	var stored storedSnapshot
	if err := rlp.DecodeBytes(blob, &stored); err != nil {
		return nil, false
	}
	return &otc.TradeSnapshot{Trade: *decodeTrade(stored.Trade), ClosedAt: int64(stored.ClosedAt)}, true
}

// FileIndexPut records the buyer granted access to a file identifier.
func (m *Manager) FileIndexPut(fileID uint64, buyer [20]byte) error {
	return m.db.Put(fileKey(fileID), buyer[:])
}

// FileIndexGet resolves the buyer recorded for a file identifier.
func (m *Manager) FileIndexGet(fileID uint64) ([20]byte, bool) {
	blob, found, err := m.db.Get(fileKey(fileID))
	if err != nil || !found || len(blob) != 20 {
		return [20]byte{}, false
	}
	var buyer [20]byte
	copy(buyer[:], blob)
	return buyer, true
}

// VaultAddress returns the module account holding trade custody.
func (m *Manager) VaultAddress() [20]byte { return vaultAddress }

func (m *Manager) getAmount(key []byte) (*big.Int, error) {
	blob, found, err := m.db.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(blob), nil
}

func (m *Manager) putAmount(key []byte, amount *big.Int) error {
	return m.db.Put(key, amount.Bytes())
}

func (m *Manager) transfer(token string, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromKey := balanceKey(token, from)
	fromBal, err := m.getAmount(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient %s balance", token)
	}
	toKey := balanceKey(token, to)
	toBal, err := m.getAmount(toKey)
	if err != nil {
		return err
	}
	if err := m.putAmount(fromKey, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return m.putAmount(toKey, new(big.Int).Add(toBal, amount))
}

// TransferNative moves native currency between accounts.
func (m *Manager) TransferNative(from, to [20]byte, amount *big.Int) error {
	return m.transfer(nativeSymbol, from, to, amount)
}

// TransferToken moves a fungible token balance between accounts.
func (m *Manager) TransferToken(token string, from, to [20]byte, amount *big.Int) error {
	if token == "" || token == nativeSymbol {
		return fmt.Errorf("state: invalid token symbol %q", token)
	}
	return m.transfer(token, from, to, amount)
}

// BalanceNative reports an account's native balance.
func (m *Manager) BalanceNative(addr [20]byte) (*big.Int, error) {
	return m.getAmount(balanceKey(nativeSymbol, addr))
}

// BalanceToken reports an account's balance for the supplied token.
func (m *Manager) BalanceToken(token string, addr [20]byte) (*big.Int, error) {
	return m.getAmount(balanceKey(token, addr))
}

// Credit mints balance onto an account. Used for genesis seeding and tests;
// production balances arrive through the external ledger feed.
func (m *Manager) Credit(token string, addr [20]byte, amount *big.Int) error {
	if token == "" {
		token = nativeSymbol
	}
	key := balanceKey(token, addr)
	current, err := m.getAmount(key)
	if err != nil {
		return err
	}
	return m.putAmount(key, new(big.Int).Add(current, amount))
}

// CustodyCredit increases the escrowed total tracked for the asset.
func (m *Manager) CustodyCredit(token string, amount *big.Int) error {
	key := custodyKey(token)
	current, err := m.getAmount(key)
	if err != nil {
		return err
	}
	return m.putAmount(key, new(big.Int).Add(current, amount))
}

// CustodyDebit decreases the escrowed total tracked for the asset.
func (m *Manager) CustodyDebit(token string, amount *big.Int) error {
	key := custodyKey(token)
	current, err := m.getAmount(key)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("state: custody underflow for %q", token)
	}
	return m.putAmount(key, new(big.Int).Sub(current, amount))
}

// CustodyTotal reports the escrowed total tracked for the asset.
func (m *Manager) CustodyTotal(token string) (*big.Int, error) {
	return m.getAmount(custodyKey(token))
}

// StakedBalance implements the stake oracle read from locally mirrored
// oracle data.
func (m *Manager) StakedBalance(addr [20]byte) (*big.Int, error) {
	return m.getAmount(stakeKey(addr))
}

// SetStaked records the oracle-reported staked balance for a participant.
func (m *Manager) SetStaked(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid staked balance")
	}
	return m.putAmount(stakeKey(addr), amount)
}
