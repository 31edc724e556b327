// Package metrics exposes the Environment façade's runtime statistics
// as Prometheus collectors: per-partition queue depths, lock-wait
// counts, flush batch sizes, and commit latency. It is observability
// plumbing only — nothing here formats or prints for a human; that is
// left to whatever scrapes the registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dora"

// Registry bundles every collector the execution core emits, registered
// against its own prometheus.Registry rather than the global default so
// multiple Environments (as in tests) never collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	queueDepth     *prometheus.GaugeVec
	lockWaits      *prometheus.CounterVec
	flushBatchSize prometheus.Histogram
	commitLatency  *prometheus.HistogramVec
	resets         *prometheus.CounterVec
}

// New constructs and registers a Registry's collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "queue_depth",
			Help:      "Current number of items waiting in a partition's input or commit queue.",
		}, []string{"partition", "queue"}),
		lockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockmgr",
			Name:      "lock_waits_total",
			Help:      "Number of key-lock requests that had to wait for an incompatible holder.",
		}, []string{"partition"}),
		flushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flusher",
			Name:      "flush_batch_size",
			Help:      "Number of RVPs released durable by a single forced log flush.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "latency_seconds",
			Help:      "Time from a transaction's last action dispatch to client notification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partition"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "lockmap_resets_total",
			Help:      "Number of times a partition's lock table was reset after min_keys_for_lockmap_reset was exceeded.",
		}, []string{"partition"}),
	}

	r.reg.MustRegister(r.queueDepth, r.lockWaits, r.flushBatchSize, r.commitLatency, r.resets)
	return r
}

// Registry returns the underlying prometheus.Registry for wiring into
// an HTTP handler (e.g. promhttp.HandlerFor).
func (r *Registry) Registry() *prometheus.Registry { return r.reg }

// SetQueueDepth records the current length of partition's named queue
// ("input" or "commit").
func (r *Registry) SetQueueDepth(partition int, queue string, depth int) {
	r.queueDepth.WithLabelValues(strconv.Itoa(partition), queue).Set(float64(depth))
}

// IncLockWait records one key-lock request that had to wait.
func (r *Registry) IncLockWait(partition int) {
	r.lockWaits.WithLabelValues(strconv.Itoa(partition)).Inc()
}

// ObserveFlushBatch records the number of RVPs a single forced flush
// released.
func (r *Registry) ObserveFlushBatch(n int) {
	r.flushBatchSize.Observe(float64(n))
}

// ObserveCommitLatency records the time between an RVP's last Post and
// its client notification for partition.
func (r *Registry) ObserveCommitLatency(partition int, d time.Duration) {
	r.commitLatency.WithLabelValues(strconv.Itoa(partition)).Observe(d.Seconds())
}

// IncLockmapReset records one lock-table reset for partition.
func (r *Registry) IncLockmapReset(partition int) {
	r.resets.WithLabelValues(strconv.Itoa(partition)).Inc()
}
