package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records procbus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTransition records a process transition attempt with its outcome.
	RecordTransition(ctx context.Context, processID string, duration time.Duration, err error)

	// RecordEventPublished records an event delivered through the bus.
	RecordEventPublished(ctx context.Context, channel string)

	// RecordEventPersisted records a durable event write.
	RecordEventPersisted(ctx context.Context, eventType string)

	// RecordReplay records a replay run with its event count and outcome.
	RecordReplay(ctx context.Context, count int, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	transitions      metric.Int64Counter
	transitionErrors metric.Int64Counter
	transitionTime   metric.Float64Histogram
	published        metric.Int64Counter
	persisted        metric.Int64Counter
	replays          metric.Int64Counter
	replayedEvents   metric.Int64Counter
	replayTime       metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("procbus")

	transitions, err := meter.Int64Counter("procbus.process.transitions",
		metric.WithDescription("Number of transition attempts"),
	)
	if err != nil {
		return nil, err
	}

	transitionErrors, err := meter.Int64Counter("procbus.process.transition_errors",
		metric.WithDescription("Number of failed transition attempts"),
	)
	if err != nil {
		return nil, err
	}

	transitionTime, err := meter.Float64Histogram("procbus.process.transition_latency_ms",
		metric.WithDescription("Transition latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("procbus.event.published",
		metric.WithDescription("Number of events delivered through the bus"),
	)
	if err != nil {
		return nil, err
	}

	persisted, err := meter.Int64Counter("procbus.event.persisted",
		metric.WithDescription("Number of events durably stored"),
	)
	if err != nil {
		return nil, err
	}

	replays, err := meter.Int64Counter("procbus.replay.runs",
		metric.WithDescription("Number of replay runs"),
	)
	if err != nil {
		return nil, err
	}

	replayedEvents, err := meter.Int64Counter("procbus.replay.events",
		metric.WithDescription("Number of events republished by replay"),
	)
	if err != nil {
		return nil, err
	}

	replayTime, err := meter.Float64Histogram("procbus.replay.latency_ms",
		metric.WithDescription("Replay latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		transitions:      transitions,
		transitionErrors: transitionErrors,
		transitionTime:   transitionTime,
		published:        published,
		persisted:        persisted,
		replays:          replays,
		replayedEvents:   replayedEvents,
		replayTime:       replayTime,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordTransition records a transition attempt.
func (m *otelMetrics) RecordTransition(ctx context.Context, processID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("process_id", processID),
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.transitionTime.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.transitionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEventPublished records a bus delivery.
func (m *otelMetrics) RecordEventPublished(ctx context.Context, channel string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// RecordEventPersisted records a durable write.
func (m *otelMetrics) RecordEventPersisted(ctx context.Context, eventType string) {
	m.persisted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordReplay records a replay run.
func (m *otelMetrics) RecordReplay(ctx context.Context, count int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", err == nil),
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.replayedEvents.Add(ctx, int64(count), metric.WithAttributes(attrs...))
	m.replayTime.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}
