package otc

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"otcswap/core/events"
)

type mockState struct {
	trades    map[[32]byte]*Trade
	history   []*TradeSnapshot
	fileIndex map[uint64][20]byte
	balances  map[string]map[[20]byte]*big.Int
	custody   map[string]*big.Int
	stakes    map[[20]byte]*big.Int
	vault     [20]byte
}

func newMockState() *mockState {
	return &mockState{
		trades:    make(map[[32]byte]*Trade),
		fileIndex: make(map[uint64][20]byte),
		balances:  make(map[string]map[[20]byte]*big.Int),
		custody:   make(map[string]*big.Int),
		stakes:    make(map[[20]byte]*big.Int),
		vault:     newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) TradePut(t *Trade) error {
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return err
	}
	m.trades[sanitized.Key] = sanitized.Clone()
	return nil
}

func (m *mockState) TradeGet(key [32]byte) (*Trade, bool) {
	t, ok := m.trades[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (m *mockState) HistoryAppend(snap *TradeSnapshot) error {
	m.history = append(m.history, snap)
	return nil
}

func (m *mockState) HistoryLen() uint64 { return uint64(len(m.history)) }

func (m *mockState) HistoryGet(index uint64) (*TradeSnapshot, bool) {
	if index >= uint64(len(m.history)) {
		return nil, false
	}
	return m.history[index], true
}

func (m *mockState) FileIndexPut(fileID uint64, buyer [20]byte) error {
	m.fileIndex[fileID] = buyer
	return nil
}

func (m *mockState) FileIndexGet(fileID uint64) ([20]byte, bool) {
	buyer, ok := m.fileIndex[fileID]
	return buyer, ok
}

func (m *mockState) VaultAddress() [20]byte { return m.vault }

func (m *mockState) balance(token string, addr [20]byte) *big.Int {
	book, ok := m.balances[token]
	if !ok {
		book = make(map[[20]byte]*big.Int)
		m.balances[token] = book
	}
	bal, ok := book[addr]
	if !ok {
		bal = big.NewInt(0)
		book[addr] = bal
	}
	return bal
}

func (m *mockState) setBalance(token string, addr [20]byte, amount int64) {
	m.balance(token, addr).SetInt64(amount)
}

func (m *mockState) transfer(token string, from, to [20]byte, amount *big.Int) error {
	fromBal := m.balance(token, from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("insufficient balance")
	}
	fromBal.Sub(fromBal, amount)
	toBal := m.balance(token, to)
	toBal.Add(toBal, amount)
	return nil
}

func (m *mockState) TransferNative(from, to [20]byte, amount *big.Int) error {
	return m.transfer("", from, to, amount)
}

func (m *mockState) TransferToken(token string, from, to [20]byte, amount *big.Int) error {
	return m.transfer(token, from, to, amount)
}

func (m *mockState) BalanceNative(addr [20]byte) (*big.Int, error) {
	return new(big.Int).Set(m.balance("", addr)), nil
}

func (m *mockState) BalanceToken(token string, addr [20]byte) (*big.Int, error) {
	return new(big.Int).Set(m.balance(token, addr)), nil
}

func (m *mockState) custodyTotal(token string) *big.Int {
	total, ok := m.custody[token]
	if !ok {
		total = big.NewInt(0)
		m.custody[token] = total
	}
	return total
}

func (m *mockState) CustodyCredit(token string, amount *big.Int) error {
	m.custodyTotal(token).Add(m.custodyTotal(token), amount)
	return nil
}

func (m *mockState) CustodyDebit(token string, amount *big.Int) error {
	total := m.custodyTotal(token)
	if total.Cmp(amount) < 0 {
		return errors.New("custody underflow")
	}
	total.Sub(total, amount)
	return nil
}

func (m *mockState) CustodyTotal(token string) (*big.Int, error) {
	return new(big.Int).Set(m.custodyTotal(token)), nil
}

func (m *mockState) StakedBalance(addr [20]byte) (*big.Int, error) {
	staked, ok := m.stakes[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(staked), nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *capturingEmitter) seen(eventType string) int {
	count := 0
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			count++
		}
	}
	return count
}

func setupEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetOracle(state)
	engine.SetEmitter(emitter)
	engine.SetFeeTreasury(newTestAddress(0xFE))
	engine.SetNowFunc(func() int64 { return 1000 })
	return engine, state, emitter
}

func TestCreateTradeValidation(t *testing.T) {
	engine, _, _ := setupEngine(t)
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	tokenY := TokenAsset("TOKY")

	if _, err := engine.CreateTrade(a, ClassToken, [20]byte{}, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); !errors.Is(err, ErrInvalidCounterparty) {
		t.Fatalf("expected ErrInvalidCounterparty, got %v", err)
	}
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(0), big.NewInt(50)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.CreateTrade(a, AssetClass(9), b, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); !errors.Is(err, ErrInvalidAssetClass) {
		t.Fatalf("expected ErrInvalidAssetClass, got %v", err)
	}
	if _, err := engine.CreateTrade(a, ClassToken, b, FileAsset(), tokenY, big.NewInt(42), big.NewInt(50)); !errors.Is(err, ErrInvalidAssetClass) {
		t.Fatalf("expected ErrInvalidAssetClass for file asset in token class, got %v", err)
	}

	trade, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(100), big.NewInt(50))
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if trade.Status != StatusPending {
		t.Fatalf("expected pending status, got %v", trade.Status)
	}
	if trade.OpenedAt != 1000 {
		t.Fatalf("expected timestamp 1000, got %d", trade.OpenedAt)
	}
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); !errors.Is(err, ErrTradeAlreadyOpen) {
		t.Fatalf("expected ErrTradeAlreadyOpen, got %v", err)
	}
	// The slot is keyed by the unordered pair, so the counterparty cannot
	// open a second trade either.
	if _, err := engine.CreateTrade(b, ClassToken, a, tokenY, tokenX, big.NewInt(50), big.NewInt(100)); !errors.Is(err, ErrTradeAlreadyOpen) {
		t.Fatalf("expected ErrTradeAlreadyOpen for reversed pair, got %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	tokenX := TokenAsset("TOKX")
	tokenY := TokenAsset("TOKY")
	state.setBalance("TOKX", a, 1000)
	state.setBalance("TOKY", b, 1000)

	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); !errors.Is(err, ErrNoPendingTrade) {
		t.Fatalf("expected ErrNoPendingTrade, got %v", err)
	}
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(stranger, a, b, tokenX, big.NewInt(100)); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenY, big.NewInt(100)); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch, got %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(99)); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if !stored.SideA.Funded || stored.SideB.Funded {
		t.Fatalf("unexpected funded flags: %+v", stored)
	}
	if got := state.balance("TOKX", state.vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault custody mismatch, got %s", got)
	}
}

func TestTokenSettlement(t *testing.T) {
	engine, state, emitter := setupEngine(t)
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	tokenY := TokenAsset("TOKY")
	state.setBalance("TOKX", a, 1000)
	state.setBalance("TOKY", b, 1000)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	// B funds first; no settlement yet.
	if err := engine.DepositToken(b, a, b, tokenY, big.NewInt(50)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusPending || !stored.SideB.Funded {
		t.Fatalf("expected pending with B funded, got %+v", stored)
	}
	if emitter.seen(EventTypeTradeCompleted) != 0 {
		t.Fatalf("distribution fired early")
	}
	// A funds second; distribution fires synchronously.
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	stored, _ = state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", stored.Status)
	}
	if stored.SideA.Funded || stored.SideB.Funded || stored.SideA.Amount.Sign() != 0 || stored.SideB.Amount.Sign() != 0 {
		t.Fatalf("slot not reset: %+v", stored)
	}
	// Tier 0 fee is 20000 ppm: B nets 98 of 100 TOKX, A nets 49 of 50 TOKY.
	if got := state.balance("TOKX", b); got.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("B TOKX payout mismatch, got %s", got)
	}
	if got := state.balance("TOKY", a); got.Cmp(big.NewInt(49)) != 0 {
		t.Fatalf("A TOKY payout mismatch, got %s", got)
	}
	treasury := newTestAddress(0xFE)
	if got := state.balance("TOKX", treasury); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("treasury TOKX fee mismatch, got %s", got)
	}
	if got := state.balance("TOKY", treasury); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("treasury TOKY fee mismatch, got %s", got)
	}
	if state.HistoryLen() != 1 {
		t.Fatalf("expected one history entry, got %d", state.HistoryLen())
	}
	snap, _ := state.HistoryGet(0)
	if snap.Trade.Status != StatusCompleted || snap.Trade.SideA.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("history snapshot mismatch: %+v", snap.Trade)
	}
	if emitter.seen(EventTypeTradeCompleted) != 1 {
		t.Fatalf("expected exactly one completion event, got %d", emitter.seen(EventTypeTradeCompleted))
	}
	if got := state.custodyTotal("TOKX"); got.Sign() != 0 {
		t.Fatalf("custody not drained, got %s", got)
	}
	// No further deposits once settled.
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); !errors.Is(err, ErrNoPendingTrade) {
		t.Fatalf("expected ErrNoPendingTrade after settlement, got %v", err)
	}
	// The slot is reusable for a fresh trade.
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(10), big.NewInt(5)); err != nil {
		t.Fatalf("reopen after settlement: %v", err)
	}
}

func TestNativeSettlement(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0x11)
	b := newTestAddress(0x21)
	tokenY := TokenAsset("TOKY")
	state.setBalance("", a, 1000)
	state.setBalance("TOKY", b, 1000)

	if _, err := engine.CreateTrade(a, ClassToken, b, NativeAsset(), tokenY, big.NewInt(200), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, NativeAsset(), big.NewInt(200)); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch for native via token deposit, got %v", err)
	}
	if err := engine.DepositNative(a, a, b, big.NewInt(200)); err != nil {
		t.Fatalf("deposit native: %v", err)
	}
	if err := engine.DepositToken(b, a, b, tokenY, big.NewInt(50)); err != nil {
		t.Fatalf("deposit token: %v", err)
	}
	// 200 native nets 196 for B at tier 0.
	if got := state.balance("", b); got.Cmp(big.NewInt(196)) != 0 {
		t.Fatalf("B native payout mismatch, got %s", got)
	}
	if got := state.balance("", a); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("A native balance mismatch, got %s", got)
	}
}

func TestCancelUnfundedTrade(t *testing.T) {
	engine, state, emitter := setupEngine(t)
	a := newTestAddress(0x31)
	b := newTestAddress(0x41)
	if _, err := engine.CreateTrade(a, ClassToken, b, TokenAsset("TOKX"), TokenAsset("TOKY"), big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.Cancel(a, b); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %v", stored.Status)
	}
	if state.HistoryLen() != 1 {
		t.Fatalf("expected canceled trade in history, got %d entries", state.HistoryLen())
	}
	if emitter.seen(EventTypeTradeCanceled) != 1 {
		t.Fatalf("expected cancellation event")
	}
	if err := engine.Cancel(a, b); !errors.Is(err, ErrNoPendingTrade) {
		t.Fatalf("expected ErrNoPendingTrade on second cancel, got %v", err)
	}
}

func TestCancelRefundsDepositedSide(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0x51)
	b := newTestAddress(0x61)
	tokenX := TokenAsset("TOKX")
	state.setBalance("TOKX", a, 1000)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, TokenAsset("TOKY"), big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Cancellation is permissionless; the counterparty triggers it here.
	if err := engine.Cancel(a, b); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusCanceled {
		t.Fatalf("expected canceled in one call when opposite side never funded, got %v", stored.Status)
	}
	// Refund is the full deposit, untouched by fees.
	if got := state.balance("TOKX", a); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("refund mismatch, got %s", got)
	}
	if got := state.custodyTotal("TOKX"); got.Sign() != 0 {
		t.Fatalf("custody not released, got %s", got)
	}
}

func TestCancelLeavesCounterpartyUntouched(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0x71)
	b := newTestAddress(0x81)
	tokenX := TokenAsset("TOKX")
	state.setBalance("TOKX", a, 1000)
	state.setBalance("", b, 1000)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, NativeAsset(), big.NewInt(100), big.NewInt(200)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.Cancel(a, b); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %v", stored.Status)
	}
	if got := state.balance("TOKX", a); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("A not refunded, got %s", got)
	}
	if got := state.balance("", b); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("B balance should be untouched, got %s", got)
	}
}

func TestFileExchange(t *testing.T) {
	engine, state, _ := setupEngine(t)
	seller := newTestAddress(0x91)
	buyer := newTestAddress(0xA1)
	tokenY := TokenAsset("TOKY")
	state.setBalance("TOKY", buyer, 1000)

	if _, err := engine.CreateTrade(seller, ClassFile, buyer, FileAsset(), tokenY, big.NewInt(42), big.NewInt(100)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	// The file leg funds without any transfer-in; 42 is the identifier.
	if err := engine.DepositToken(seller, seller, buyer, FileAsset(), big.NewInt(42)); err != nil {
		t.Fatalf("deposit file leg: %v", err)
	}
	if got := state.custodyTotal(""); got.Sign() != 0 {
		t.Fatalf("file leg must not take custody, got %s", got)
	}
	if err := engine.DepositToken(buyer, seller, buyer, tokenY, big.NewInt(100)); err != nil {
		t.Fatalf("deposit token leg: %v", err)
	}
	recorded, ok := engine.FileBuyer(42)
	if !ok {
		t.Fatalf("file index entry missing")
	}
	if recorded != buyer {
		t.Fatalf("file index buyer mismatch")
	}
	// The seller nets the token leg; the file leg moves nothing on-ledger.
	if got := state.balance("TOKY", seller); got.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("seller payout mismatch, got %s", got)
	}
}

func TestTierReducesFee(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0xB1)
	b := newTestAddress(0xC1)
	tokenX := TokenAsset("TOKX")
	tokenY := TokenAsset("TOKY")
	state.setBalance("TOKX", a, 100_000)
	state.setBalance("TOKY", b, 100_000)
	// B stakes enough for tier 5: fee drops from 20000 to 7000 ppm.
	state.stakes[b] = new(big.Int).Mul(big.NewInt(5_000_000), baseUnit)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(10_000), big.NewInt(10_000)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	if err := engine.DepositToken(b, a, b, tokenY, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit B: %v", err)
	}
	// B receives 10000 - 70; A (tier 0) receives 10000 - 200.
	if got := state.balance("TOKX", b); got.Cmp(big.NewInt(9_930)) != 0 {
		t.Fatalf("tier-5 payout mismatch, got %s", got)
	}
	if got := state.balance("TOKY", a); got.Cmp(big.NewInt(9_800)) != 0 {
		t.Fatalf("tier-0 payout mismatch, got %s", got)
	}
}

func TestAdminOperations(t *testing.T) {
	engine, state, emitter := setupEngine(t)
	admin := newTestAddress(0xD1)
	outsider := newTestAddress(0xD2)
	engine.SetAuthority(NewAllowList(admin))

	if err := engine.SetFeeRate(outsider, 0, 15_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetFeeRate(admin, 0, 15_000); err == nil {
		t.Fatalf("expected monotonicity rejection lowering tier 0 below tier 1")
	}
	if err := engine.SetFeeRate(admin, 5, 5_000); err != nil {
		t.Fatalf("SetFeeRate: %v", err)
	}
	if got := engine.FeeSchedule()[5]; got != 5_000 {
		t.Fatalf("schedule not updated, got %d", got)
	}
	if emitter.seen(EventTypeFeeUpdated) != 1 {
		t.Fatalf("expected fee update event")
	}
	if err := engine.SetStakeOracle(admin, state); err != nil {
		t.Fatalf("SetStakeOracle: %v", err)
	}
	if err := engine.SetStakeOracle(outsider, state); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on oracle swap, got %v", err)
	}
}

func TestRecoverStrandedToken(t *testing.T) {
	engine, state, _ := setupEngine(t)
	admin := newTestAddress(0xD3)
	recipient := newTestAddress(0xD4)
	engine.SetAuthority(NewAllowList(admin))

	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	state.setBalance("TOKX", a, 1000)
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, TokenAsset("TOKY"), big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 30 TOKX lands on the vault outside any trade.
	state.setBalance("TOKX", state.vault, 130)

	if err := engine.RecoverToken(recipient, "TOKX", big.NewInt(30), recipient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Escrowed custody must stay untouchable.
	if err := engine.RecoverToken(admin, "TOKX", big.NewInt(31), recipient); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount sweeping custody, got %v", err)
	}
	if err := engine.RecoverToken(admin, "TOKX", big.NewInt(30), recipient); err != nil {
		t.Fatalf("RecoverToken: %v", err)
	}
	if got := state.balance("TOKX", recipient); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("recovered amount mismatch, got %s", got)
	}
	if got := state.balance("TOKX", state.vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault must retain escrowed custody, got %s", got)
	}
}

type faultyOracle struct {
	inner StakeOracle
	fail  map[[20]byte]bool
}

func (o *faultyOracle) StakedBalance(addr [20]byte) (*big.Int, error) {
	if o.fail[addr] {
		return nil, errors.New("stake service unavailable")
	}
	return o.inner.StakedBalance(addr)
}

func TestOracleFailureOnSecondDepositLeavesNoPartialState(t *testing.T) {
	engine, state, emitter := setupEngine(t)
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	tokenY := TokenAsset("TOKY")
	state.setBalance("TOKX", a, 1000)
	state.setBalance("TOKY", b, 1000)
	oracle := &faultyOracle{inner: state, fail: map[[20]byte]bool{b: true}}
	engine.SetOracle(oracle)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, tokenY, big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err != nil {
		t.Fatalf("deposit A: %v", err)
	}
	// B's deposit would complete the pair, but resolving B's tier for the
	// leg-A payout fails. Nothing of the deposit or the settlement may
	// persist.
	if err := engine.DepositToken(b, a, b, tokenY, big.NewInt(50)); err == nil {
		t.Fatalf("expected oracle failure to abort the deposit")
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.Status != StatusPending || stored.SideB.Funded {
		t.Fatalf("expected pending with B unfunded, got %+v", stored)
	}
	if state.HistoryLen() != 0 {
		t.Fatalf("history must stay empty, got %d entries", state.HistoryLen())
	}
	if got := state.balance("TOKY", b); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("B's deposit must not be pulled, got %s", got)
	}
	if got := state.balance("TOKX", b); got.Sign() != 0 {
		t.Fatalf("no leg may pay out, B holds %s TOKX", got)
	}
	if got := state.custodyTotal("TOKY"); got.Sign() != 0 {
		t.Fatalf("no TOKY custody may be taken, got %s", got)
	}
	if emitter.seen(EventTypeTradeCompleted) != 0 {
		t.Fatalf("completion event for an aborted settlement")
	}
	if emitter.seen(EventTypeTradeDeposited) != 1 {
		t.Fatalf("expected only A's deposit event, got %d", emitter.seen(EventTypeTradeDeposited))
	}

	// Once the oracle recovers the same deposit settles exactly once.
	oracle.fail[b] = false
	if err := engine.DepositToken(b, a, b, tokenY, big.NewInt(50)); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
	if state.HistoryLen() != 1 {
		t.Fatalf("expected a single history entry, got %d", state.HistoryLen())
	}
	if got := state.balance("TOKX", b); got.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("B payout after retry mismatch, got %s", got)
	}
	if got := state.balance("TOKY", a); got.Cmp(big.NewInt(49)) != 0 {
		t.Fatalf("A payout after retry mismatch, got %s", got)
	}
	if got := state.balance("TOKY", b); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("B must be charged exactly once, got %s", got)
	}
	if got := state.custodyTotal("TOKX"); got.Sign() != 0 {
		t.Fatalf("custody not drained, got %s", got)
	}
	if emitter.seen(EventTypeTradeCompleted) != 1 {
		t.Fatalf("expected exactly one completion event, got %d", emitter.seen(EventTypeTradeCompleted))
	}
}

type putFailState struct {
	*mockState
	failPuts int
}

func (s *putFailState) TradePut(t *Trade) error {
	if s.failPuts > 0 {
		s.failPuts--
		return errors.New("disk full")
	}
	return s.mockState.TradePut(t)
}

func TestDepositEventOnlyAfterPersist(t *testing.T) {
	state := newMockState()
	flaky := &putFailState{mockState: state}
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(flaky)
	engine.SetOracle(state)
	engine.SetEmitter(emitter)
	engine.SetFeeTreasury(newTestAddress(0xFE))
	engine.SetNowFunc(func() int64 { return 1000 })

	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	state.setBalance("TOKX", a, 1000)
	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, TokenAsset("TOKY"), big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	flaky.failPuts = 1
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); err == nil {
		t.Fatalf("expected store failure to abort the deposit")
	}
	if emitter.seen(EventTypeTradeDeposited) != 0 {
		t.Fatalf("deposit event emitted for an uncommitted deposit")
	}
}

func TestDepositInsufficientBalanceFails(t *testing.T) {
	engine, state, _ := setupEngine(t)
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	tokenX := TokenAsset("TOKX")
	state.setBalance("TOKX", a, 10)

	if _, err := engine.CreateTrade(a, ClassToken, b, tokenX, TokenAsset("TOKY"), big.NewInt(100), big.NewInt(50)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if err := engine.DepositToken(a, a, b, tokenX, big.NewInt(100)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _ := state.TradeGet(DeriveKey(a, b))
	if stored.SideA.Funded {
		t.Fatalf("side must not be funded after failed transfer")
	}
}
