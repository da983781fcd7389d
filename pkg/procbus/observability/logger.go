// Package observability provides structured logging, metrics, and
// distributed tracing for procbus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds process context to a logger.
// Returns a new logger with process_id and instance_id fields.
func EnrichLogger(logger *slog.Logger, processID, instanceID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("process_id", processID),
		slog.String("instance_id", instanceID),
	)
}

// LogTransition logs a successful state transition.
func LogTransition(logger *slog.Logger, instanceID, from, to, on string) {
	if logger == nil {
		return
	}
	logger.Info("transition applied",
		slog.String("instance_id", instanceID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("on", on),
	)
}

// LogTransitionRejected logs a transition attempt that did not change state.
func LogTransitionRejected(logger *slog.Logger, instanceID, state, on string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("transition rejected",
		slog.String("instance_id", instanceID),
		slog.String("state", state),
		slog.String("on", on),
		slog.String("error", err.Error()),
	)
}

// LogEventPersisted logs a durable event write.
func LogEventPersisted(logger *slog.Logger, eventID, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("event persisted",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogFanOut logs a router fan-out republish.
func LogFanOut(logger *slog.Logger, eventID, from, channel string) {
	if logger == nil {
		return
	}
	logger.Debug("event routed",
		slog.String("event_id", eventID),
		slog.String("routed_from", from),
		slog.String("channel", channel),
	)
}

// LogReplayStarted logs the beginning of an event replay.
func LogReplayStarted(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Info("replay started")
}

// LogReplayCompleted logs a finished replay.
func LogReplayCompleted(logger *slog.Logger, count int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("replay completed",
		slog.Int("events_replayed", count),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogReplayError logs a failed replay.
func LogReplayError(logger *slog.Logger, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("replay failed",
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
