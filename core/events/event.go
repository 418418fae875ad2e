package events

// Event is a structured state change broadcast by the trade engine.
type Event interface {
	EventType() string
}

// Emitter delivers events to downstream subscribers such as the RPC layer or
// an indexer.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything, letting
// components treat event delivery as optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
