package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider and restores
// the previous global provider when the test ends.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T, not Sum[int64]", m.Name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordTransition(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTransition(ctx, "order", 5*time.Millisecond, nil)
	m.RecordTransition(ctx, "order", 7*time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)

	transitions, ok := findMetric(rm, "procbus.process.transitions")
	require.True(t, ok)
	assert.Equal(t, int64(2), sumValue(t, transitions))

	failures, ok := findMetric(rm, "procbus.process.transition_errors")
	require.True(t, ok)
	assert.Equal(t, int64(1), sumValue(t, failures))

	latency, ok := findMetric(rm, "procbus.process.transition_latency_ms")
	require.True(t, ok)
	hist, isHist := latency.Data.(metricdata.Histogram[float64])
	require.True(t, isHist)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestRecordEventCounters(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordEventPublished(ctx, "order.created")
	m.RecordEventPublished(ctx, "order.created")
	m.RecordEventPersisted(ctx, "order.created")

	rm := collectMetrics(t, reader)

	published, ok := findMetric(rm, "procbus.event.published")
	require.True(t, ok)
	assert.Equal(t, int64(2), sumValue(t, published))

	persisted, ok := findMetric(rm, "procbus.event.persisted")
	require.True(t, ok)
	assert.Equal(t, int64(1), sumValue(t, persisted))
}

func TestRecordReplay(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordReplay(ctx, 42, 10*time.Millisecond, nil)
	m.RecordReplay(ctx, 0, time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)

	runs, ok := findMetric(rm, "procbus.replay.runs")
	require.True(t, ok)
	assert.Equal(t, int64(2), sumValue(t, runs))

	events, ok := findMetric(rm, "procbus.replay.events")
	require.True(t, ok)
	assert.Equal(t, int64(42), sumValue(t, events))
}
