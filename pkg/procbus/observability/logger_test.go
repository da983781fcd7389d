package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return logger, &buf
}

func TestNilLoggerIsSafe(t *testing.T) {
	// Every helper must tolerate a nil logger.
	assert.Nil(t, EnrichLogger(nil, "order", "i-1"))
	LogTransition(nil, "i-1", "a", "b", "GO")
	LogTransitionRejected(nil, "i-1", "a", "GO", errors.New("boom"))
	LogEventPersisted(nil, "e-1", "order.created")
	LogFanOut(nil, "e-1", "order.created", "audit")
	LogReplayStarted(nil)
	LogReplayCompleted(nil, 3, 1.5)
	LogReplayError(nil, errors.New("boom"), 1.5)
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := newBufferLogger()

	EnrichLogger(logger, "order", "i-1").Info("hello")

	out := buf.String()
	assert.Contains(t, out, "process_id=order")
	assert.Contains(t, out, "instance_id=i-1")
}

func TestLogTransition(t *testing.T) {
	logger, buf := newBufferLogger()

	LogTransition(logger, "i-1", "initial", "processing", "START")

	out := buf.String()
	assert.Contains(t, out, "transition applied")
	assert.Contains(t, out, "from=initial")
	assert.Contains(t, out, "to=processing")
	assert.Contains(t, out, "on=START")
}

func TestLogTransitionRejected(t *testing.T) {
	logger, buf := newBufferLogger()

	LogTransitionRejected(logger, "i-1", "initial", "COMPLETE", errors.New("no match"))

	out := buf.String()
	assert.Contains(t, out, "transition rejected")
	assert.Contains(t, out, "level=WARN")
}

func TestLogReplayLifecycle(t *testing.T) {
	logger, buf := newBufferLogger()

	LogReplayStarted(logger)
	LogReplayCompleted(logger, 3, 12.5)
	LogReplayError(logger, errors.New("boom"), 1.0)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "replay started")
	assert.Contains(t, lines[1], "events_replayed=3")
	assert.Contains(t, lines[2], "level=ERROR")
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	assert.GreaterOrEqual(t, elapsed(), 0.0)
}
