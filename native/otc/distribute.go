package otc

import (
	"fmt"
	"math/big"
)

// legPayout is the fee-adjusted dispatch for one leg, resolved before
// settlement starts writing.
type legPayout struct {
	net *big.Int
	fee *big.Int
}

// settlementPlan carries both legs' payouts. File legs keep nil amounts and
// move no value at dispatch.
type settlementPlan struct {
	legA legPayout
	legB legPayout
}

// settlementPlan resolves each receiver's tier and net payout up front, so a
// stake-oracle failure surfaces before any persistent effect. Distribution
// then runs with no remaining fallible lookups.
func (e *Engine) settlementPlan(trade *Trade) (*settlementPlan, error) {
	plan := &settlementPlan{}
	if trade.SideA.Asset.Kind != AssetFile {
		net, fee, err := e.fees.NetAmount(trade.SideA.Amount, trade.SideB.Participant)
		if err != nil {
			return nil, err
		}
		plan.legA = legPayout{net: net, fee: fee}
	}
	if trade.SideB.Asset.Kind != AssetFile {
		net, fee, err := e.fees.NetAmount(trade.SideB.Amount, trade.SideA.Participant)
		if err != nil {
			return nil, err
		}
		plan.legB = legPayout{net: net, fee: fee}
	}
	return plan, nil
}

// distribute settles a fully funded trade. It is invoked exactly once per
// Pending lifecycle, synchronously inside the deposit that funds the second
// side, while the engine mutex is held. All fallible resolution happened in
// settlementPlan; the writes here only move custody the vault is known to
// hold. Order of effects: completion status, history snapshot, file-index
// writes, fee-adjusted dual dispatch, slot reset. The caller emits events
// once everything is persisted.
func (e *Engine) distribute(trade *Trade, plan *settlementPlan) (*TradeSnapshot, error) {
	trade.Status = StatusCompleted
	snap := trade.Snapshot(e.now())
	if err := e.state.HistoryAppend(snap); err != nil {
		return nil, err
	}
	if trade.SideA.Asset.Kind == AssetFile {
		if err := e.state.FileIndexPut(trade.SideA.Amount.Uint64(), trade.SideB.Participant); err != nil {
			return nil, err
		}
	}
	if trade.SideB.Asset.Kind == AssetFile {
		if err := e.state.FileIndexPut(trade.SideB.Amount.Uint64(), trade.SideA.Participant); err != nil {
			return nil, err
		}
	}
	if err := e.dispatchLeg(&trade.SideA, trade.SideB.Participant, plan.legA); err != nil {
		return nil, err
	}
	if err := e.dispatchLeg(&trade.SideB, trade.SideA.Participant, plan.legB); err != nil {
		return nil, err
	}
	resetSlot(trade)
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	return snap, nil
}

// dispatchLeg pays the custody deposited on one side out to the opposite
// participant using the pre-resolved payout. File legs never move value; the
// off-core registry grants access from the completion index.
func (e *Engine) dispatchLeg(side *Side, receiver [20]byte, payout legPayout) error {
	if side.Asset.Kind == AssetFile {
		return nil
	}
	vault := e.state.VaultAddress()
	switch side.Asset.Kind {
	case AssetNative:
		if payout.net.Sign() > 0 {
			if err := e.state.TransferNative(vault, receiver, payout.net); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
		if payout.fee.Sign() > 0 {
			if err := e.state.TransferNative(vault, e.feeTreasury, payout.fee); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
	default:
		if payout.net.Sign() > 0 {
			if err := e.state.TransferToken(side.Asset.Token, vault, receiver, payout.net); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
		if payout.fee.Sign() > 0 {
			if err := e.state.TransferToken(side.Asset.Token, vault, e.feeTreasury, payout.fee); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
	}
	return e.state.CustodyDebit(custodyKey(side.Asset), side.Amount)
}

// resetSlot clears the per-side amounts and flags so the storage slot can be
// reused by the next trade between the same pair. The terminal status stays
// on the record until the next create overwrites it.
func resetSlot(trade *Trade) {
	for _, side := range []*Side{&trade.SideA, &trade.SideB} {
		side.Amount.SetUint64(0)
		side.Funded = false
		side.CancelRequested = false
	}
}
