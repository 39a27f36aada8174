package events

// Buffer queues events for an operation that may still unwind. Engines emit
// into it while a state snapshot is open and flush once the work commits, so
// sinks never observe events for state changes that were reverted.
type Buffer struct {
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

// FlushTo forwards the queued events to the sink in emission order and
// empties the buffer. A nil sink drops them.
func (b *Buffer) FlushTo(sink Emitter) {
	if b == nil {
		return
	}
	if sink != nil {
		for _, evt := range b.pending {
			sink.Emit(evt)
		}
	}
	b.pending = nil
}
