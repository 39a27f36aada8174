package events

// Event represents a structured state change emitted by a settlement engine.
type Event interface {
	EventType() string
}

// Attributed is implemented by events that can describe themselves as a flat
// attribute list, letting sinks render them without knowing concrete types.
type Attributed interface {
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (logs, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines default to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
