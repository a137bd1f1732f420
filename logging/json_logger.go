package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the minimum severity a JSONLogger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// JSONLogger writes one JSON object per log line to an io.Writer. It is the
// production logger for the engine, emitting layered JSON events the way a
// structured production logger should.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// NewJSONLogger creates a logger writing to w at or above minLevel. A nil w
// defaults to os.Stderr.
func NewJSONLogger(w io.Writer, minLevel Level) *JSONLogger {
	if w == nil {
		w = os.Stderr
	}
	return &JSONLogger{out: w, level: minLevel}
}

func (j *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{out: j.out, level: j.level, component: component}
}

func (j *JSONLogger) logEvent(level Level, ctx context.Context, msg string, fields map[string]interface{}) {
	if level < j.level {
		return
	}

	event := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"message":   msg,
	}
	if j.component != "" {
		event["component"] = j.component
	}
	for k, v := range fields {
		event[k] = v
	}
	if ctx != nil {
		if id, ok := ctx.Value(correlationIDKey{}).(string); ok && id != "" {
			event["correlation_id"] = id
		}
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		encoded = []byte(`{"level":"error","message":"logging: failed to marshal log event"}`)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.out.Write(append(encoded, '\n'))
}

func (j *JSONLogger) Info(msg string, fields map[string]interface{})  { j.logEvent(LevelInfo, nil, msg, fields) }
func (j *JSONLogger) Warn(msg string, fields map[string]interface{})  { j.logEvent(LevelWarn, nil, msg, fields) }
func (j *JSONLogger) Error(msg string, fields map[string]interface{}) { j.logEvent(LevelError, nil, msg, fields) }
func (j *JSONLogger) Debug(msg string, fields map[string]interface{}) { j.logEvent(LevelDebug, nil, msg, fields) }

func (j *JSONLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	j.logEvent(LevelInfo, ctx, msg, fields)
}
func (j *JSONLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	j.logEvent(LevelWarn, ctx, msg, fields)
}
func (j *JSONLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	j.logEvent(LevelError, ctx, msg, fields)
}
func (j *JSONLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	j.logEvent(LevelDebug, ctx, msg, fields)
}

var _ ComponentAwareLogger = (*JSONLogger)(nil)

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation ID (typically a uuid.New()
// string) to ctx so every *WithContext log line on the call path carries it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation ID attached to ctx, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok
}
