package events

import "log/slog"

// LogEmitter forwards every event to a structured logger. It is the sink the
// daemon wires by default.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter builds an emitter over the given logger. A nil logger falls
// back to slog.Default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements the Emitter interface.
func (l *LogEmitter) Emit(evt Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	args := []any{}
	if attributed, ok := evt.(Attributed); ok {
		for key, value := range attributed.Attributes() {
			args = append(args, slog.String(key, value))
		}
	}
	l.logger.Info(evt.EventType(), args...)
}
