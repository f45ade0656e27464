package eventlog

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcp-funnel/core/internal/redact"
)

// Logger is the single emission point every component in this module uses
// to produce structured, sanitized observability events. The
// bus is optional (nil-safe) so unit tests can construct components without
// wiring a subscriber.
type Logger struct {
	bus *Bus
}

// NewLogger creates a Logger. bus may be nil.
func NewLogger(bus *Bus) *Logger {
	return &Logger{bus: bus}
}

// Emit sanitizes data and both writes it through slog and publishes it to
// the bus. A sanitizer failure never suppresses the log line: on panic or
// marshal error we fall back to logging the event name and level alone.
func (l *Logger) Emit(level Level, name string, data map[string]any) {
	id := uuid.NewString()
	sanitized := l.safeSanitize(name, data)

	attrs := make([]any, 0, len(sanitized)*2+2)
	attrs = append(attrs, "event_id", id)
	for k, v := range sanitized {
		attrs = append(attrs, k, v)
	}
	logWithLevel(level, name, attrs)

	if l.bus == nil {
		return
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		raw = nil
	}
	l.bus.Publish(Event{ID: id, Level: level, Name: name, Data: raw})
}

func (l *Logger) safeSanitize(name string, data map[string]any) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("sanitizer panicked, logging event skeleton only",
				"event", name, "recovered", r)
			result = map[string]any{}
		}
	}()

	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	sanitizedRaw := redact.JSON(raw)

	var out map[string]any
	if err := json.Unmarshal(sanitizedRaw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func logWithLevel(level Level, msg string, attrs []any) {
	switch level {
	case LevelError:
		slog.Error(msg, attrs...)
	case LevelWarn:
		slog.Warn(msg, attrs...)
	default:
		slog.Info(msg, attrs...)
	}
}
