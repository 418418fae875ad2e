package otc

import (
	"encoding/hex"
	"strconv"

	"otcswap/core/types"
)

const (
	EventTypeTradeCreated   = "otc.trade.created"
	EventTypeTradeDeposited = "otc.trade.deposited"
	EventTypeTradeCompleted = "otc.trade.completed"
	EventTypeTradeCanceled  = "otc.trade.canceled"
	EventTypeFeeUpdated     = "otc.fee.updated"
	EventTypeOracleUpdated  = "otc.oracle.updated"
	EventTypeRecovered      = "otc.recovered"
)

// NewTradeCreatedEvent returns the canonical payload for a newly opened trade.
func NewTradeCreatedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeCreated, t, nil)
}

// NewTradeDepositedEvent returns the payload emitted when a side funds its leg.
func NewTradeDepositedEvent(t *Trade, depositor [20]byte) *types.Event {
	return newTradeEvent(EventTypeTradeDeposited, t, map[string]string{
		"depositor": hex.EncodeToString(depositor[:]),
	})
}

// NewTradeCompletedEvent returns the payload emitted at distribution.
func NewTradeCompletedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeCompleted, t, nil)
}

// NewTradeCanceledEvent returns the payload emitted on each cancel transition.
func NewTradeCanceledEvent(t *Trade, final bool) *types.Event {
	return newTradeEvent(EventTypeTradeCanceled, t, map[string]string{
		"final": strconv.FormatBool(final),
	})
}

// NewFeeUpdatedEvent returns the payload emitted when a tier rate changes.
func NewFeeUpdatedEvent(tier Tier, ratePpm uint32) *types.Event {
	return &types.Event{Type: EventTypeFeeUpdated, Attributes: map[string]string{
		"tier": strconv.FormatUint(uint64(tier), 10),
		"rate": strconv.FormatUint(uint64(ratePpm), 10),
	}}
}

// NewOracleUpdatedEvent returns the payload emitted when the stake oracle is
// replaced.
func NewOracleUpdatedEvent() *types.Event {
	return &types.Event{Type: EventTypeOracleUpdated, Attributes: map[string]string{}}
}

// NewRecoveredEvent returns the payload for a stranded-asset sweep.
func NewRecoveredEvent(asset Asset, amount string, to [20]byte) *types.Event {
	return &types.Event{Type: EventTypeRecovered, Attributes: map[string]string{
		"asset":  asset.String(),
		"amount": amount,
		"to":     hex.EncodeToString(to[:]),
	}}
}

func newTradeEvent(eventType string, t *Trade, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		sanitized, err := SanitizeTrade(t)
		if err == nil {
			attrs["key"] = hex.EncodeToString(sanitized.Key[:])
			attrs["class"] = sanitized.Class.String()
			attrs["status"] = sanitized.Status.String()
			attrs["partyA"] = hex.EncodeToString(sanitized.SideA.Participant[:])
			attrs["partyB"] = hex.EncodeToString(sanitized.SideB.Participant[:])
			attrs["assetA"] = sanitized.SideA.Asset.String()
			attrs["assetB"] = sanitized.SideB.Asset.String()
			attrs["amountA"] = sanitized.SideA.Amount.String()
			attrs["amountB"] = sanitized.SideB.Amount.String()
			attrs["openedAt"] = strconv.FormatInt(sanitized.OpenedAt, 10)
		}
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
