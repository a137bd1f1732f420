package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerEmitsOneLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelDebug)

	log.Info("hello", map[string]interface{}{"key": "value"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "hello", lines[0]["message"])
	assert.Equal(t, "value", lines[0]["key"])
}

func TestJSONLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelWarn)

	log.Debug("skip me", nil)
	log.Info("skip me too", nil)
	log.Warn("keep me", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "keep me", lines[0]["message"])
}

func TestJSONLoggerWithComponentTagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelDebug).WithComponent("engine/pipeline")

	log.Error("boom", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "engine/pipeline", lines[0]["component"])
}

func TestJSONLoggerIncludesCorrelationIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelDebug)

	ctx := WithCorrelationID(context.Background(), "req-123")
	log.InfoWithContext(ctx, "fetch start", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-123", lines[0]["correlation_id"])
}

func TestJSONLoggerOmitsCorrelationIDWhenAbsent(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelDebug)

	log.InfoWithContext(context.Background(), "fetch start", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, present := lines[0]["correlation_id"]
	assert.False(t, present)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	id, ok := CorrelationID(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = CorrelationID(context.Background())
	assert.False(t, ok)
}

func TestNoOpLoggerNeverPanics(t *testing.T) {
	var log ComponentAwareLogger = NoOpLogger{}
	assert.NotPanics(t, func() {
		log.Info("x", nil)
		log.Warn("x", nil)
		log.Error("x", nil)
		log.Debug("x", nil)
		log.InfoWithContext(context.Background(), "x", nil)
		log.WithComponent("c").Error("y", nil)
	})
}
