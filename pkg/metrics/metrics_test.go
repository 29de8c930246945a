package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestCycle(t *testing.T) (*Cycle, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, err := New(provider.Meter("test"))
	require.NoError(t, err)
	return c, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRecordTransitionIncrementsCounter(t *testing.T) {
	c, reader := newTestCycle(t)
	c.RecordTransition(context.Background(), "Idle")
	c.RecordTransition(context.Background(), "Idle")

	rm := collect(t, reader)
	m, ok := findMetric(rm, "uptane_cycle_transitions_total")
	require.True(t, ok)
	sum := m.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestRecordAttemptAndFailure(t *testing.T) {
	c, reader := newTestCycle(t)
	c.RecordAttempt(context.Background())
	c.RecordFailure(context.Background(), "network")

	rm := collect(t, reader)
	attempts, ok := findMetric(rm, "uptane_update_attempts_total")
	require.True(t, ok)
	require.Equal(t, int64(1), attempts.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	failures, ok := findMetric(rm, "uptane_update_failures_total")
	require.True(t, ok)
	require.Equal(t, int64(1), failures.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
}

func TestRecordPhaseDurationRecordsHistogram(t *testing.T) {
	c, reader := newTestCycle(t)
	c.RecordPhaseDuration(context.Background(), "Downloading", 250*time.Millisecond)

	rm := collect(t, reader)
	m, ok := findMetric(rm, "uptane_cycle_phase_duration_seconds")
	require.True(t, ok)
	hist := m.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestNilCycleMethodsAreNoops(t *testing.T) {
	var c *Cycle
	require.NotPanics(t, func() {
		c.RecordTransition(context.Background(), "Idle")
		c.RecordAttempt(context.Background())
		c.RecordFailure(context.Background(), "network")
		c.RecordPhaseDuration(context.Background(), "Downloading", time.Second)
	})
}
