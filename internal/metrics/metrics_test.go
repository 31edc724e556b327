package metrics_test

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shore-mt/dora/internal/metrics"
)

func gatherMetric(t *testing.T, reg *metrics.Registry, fqName string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == fqName {
			return f
		}
	}
	t.Fatalf("metric family %q not found", fqName)
	return nil
}

func TestSetQueueDepthRecordsGauge(t *testing.T) {
	r := metrics.New()
	r.SetQueueDepth(0, "input", 7)

	f := gatherMetric(t, r, "dora_partition_queue_depth")
	require.Len(t, f.Metric, 1)
	assert.Equal(t, float64(7), f.Metric[0].GetGauge().GetValue())
}

func TestIncLockWaitIncrementsCounter(t *testing.T) {
	r := metrics.New()
	r.IncLockWait(1)
	r.IncLockWait(1)

	f := gatherMetric(t, r, "dora_lockmgr_lock_waits_total")
	require.Len(t, f.Metric, 1)
	assert.Equal(t, float64(2), f.Metric[0].GetCounter().GetValue())
}

func TestObserveCommitLatencyRecordsHistogram(t *testing.T) {
	r := metrics.New()
	r.ObserveCommitLatency(0, 5*time.Millisecond)

	f := gatherMetric(t, r, "dora_commit_latency_seconds")
	require.Len(t, f.Metric, 1)
	assert.Equal(t, uint64(1), f.Metric[0].GetHistogram().GetSampleCount())
}
