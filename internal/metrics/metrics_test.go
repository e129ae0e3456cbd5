package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"pios/internal/metrics"
)

func TestRegistryCollectsAllSixSeries(t *testing.T) {
	r := metrics.Registry()
	families, err := r.Gather()
	require.NoError(t, err)
	require.Len(t, families, 6)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestCountersIncrementIndependently(t *testing.T) {
	before := counterValue(t, metrics.MergeConflicts)
	metrics.MergeConflicts.Inc()
	after := counterValue(t, metrics.MergeConflicts)
	require.Equal(t, before+1, after)
}

func TestReadyQueueDepthGaugeReflectsSet(t *testing.T) {
	metrics.ReadyQueueDepth.Set(7)
	m := &dto.Metric{}
	require.NoError(t, metrics.ReadyQueueDepth.Write(m))
	require.Equal(t, float64(7), m.GetGauge().GetValue())
}
