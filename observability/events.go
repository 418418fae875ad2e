package observability

import (
	"log/slog"

	"otcswap/core/events"
	"otcswap/core/types"
	"otcswap/native/otc"
)

// attributed is satisfied by engine events carrying a structured payload.
type attributed interface {
	events.Event
	Event() *types.Event
}

// EventTap forwards engine events to the structured log and bumps the
// matching Prometheus counters.
type EventTap struct {
	log *slog.Logger
}

// NewEventTap constructs an emitter logging through the supplied logger.
func NewEventTap(log *slog.Logger) *EventTap {
	return &EventTap{log: log}
}

// Emit implements the events.Emitter interface.
func (t *EventTap) Emit(evt events.Event) {
	if t == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	switch eventType {
	case otc.EventTypeTradeCreated:
		Trades().RecordCreated()
	case otc.EventTypeTradeCompleted:
		Trades().RecordCompleted()
	case otc.EventTypeTradeCanceled:
		Trades().RecordCanceled()
	}
	if t.log == nil {
		return
	}
	attrs := []any{slog.String("event", eventType)}
	if payload, ok := evt.(attributed); ok {
		if e := payload.Event(); e != nil {
			for k, v := range e.Attributes {
				attrs = append(attrs, slog.String(k, v))
			}
		}
	}
	t.log.Info("engine event", attrs...)
}
