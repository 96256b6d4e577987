package stoat

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debug("hidden")
	l.Info("Appended events", "aggregate_id", "acc-1", "count", 2)
	l.Warn("Hot tier unavailable")
	l.Error("Warm write failed", "error", "boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `level=INFO msg="Appended events" aggregate_id=acc-1 count=2`)
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "error=boom")
}

func TestNoopLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		l := NewNoopLogger()
		l.Debug("x")
		l.Info("x", "k", "v")
		l.Warn("x")
		l.Error("x")
	})
	assert.IsType(t, &noopLogger{}, orNoop(nil))

	tl := newTestLogger()
	assert.Same(t, tl, orNoop(tl))
	assert.NotNil(t, NewSlogLogger(nil))
}
