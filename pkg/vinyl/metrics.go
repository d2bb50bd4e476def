package vinyl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the scheduler publishes, one
// field per subsystem. promauto.With(registry) is used rather than the
// global DefaultRegisterer so a scheduler embedded in a larger process
// doesn't collide with that process's own metric names.
type Metrics struct {
	DumpsTotal       *prometheus.CounterVec
	DumpDuration     *prometheus.HistogramVec
	CompactionsTotal *prometheus.CounterVec
	CompactionDuration *prometheus.HistogramVec

	DumpHeapDepth    *prometheus.GaugeVec
	CompactHeapDepth *prometheus.GaugeVec

	ThrottleActive  *prometheus.GaugeVec
	ThrottleBackoff *prometheus.GaugeVec

	DeferredDeleteBacklog prometheus.Gauge
	DeferredDeleteBatches *prometheus.CounterVec

	WorkersBusy *prometheus.GaugeVec
}

// NewMetrics registers the scheduler's collectors against reg. Passing a
// fresh prometheus.NewRegistry() (rather than the global default) lets
// tests instantiate more than one scheduler without a
// "duplicate metrics collector registration" panic.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		DumpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vinyl_dumps_total",
				Help: "Total number of dump tasks completed, by tree and outcome.",
			},
			[]string{"tree", "outcome"},
		),
		DumpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vinyl_dump_duration_seconds",
				Help:    "Dump task duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tree"},
		),
		CompactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vinyl_compactions_total",
				Help: "Total number of compaction tasks completed, by tree and outcome.",
			},
			[]string{"tree", "outcome"},
		),
		CompactionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vinyl_compaction_duration_seconds",
				Help:    "Compaction task duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tree"},
		),
		DumpHeapDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vinyl_dump_heap_depth",
				Help: "Number of LSM trees currently registered with the dump scheduler.",
			},
			[]string{"scheduler"},
		),
		CompactHeapDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vinyl_compact_heap_depth",
				Help: "Number of ranges currently registered with a tree's compact scheduler.",
			},
			[]string{"tree"},
		),
		ThrottleActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vinyl_throttle_active",
				Help: "1 if the coordinator is currently backing off dispatch, 0 otherwise.",
			},
			[]string{"scheduler"},
		),
		ThrottleBackoff: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vinyl_throttle_backoff_seconds",
				Help: "Current throttle backoff duration in seconds.",
			},
			[]string{"scheduler"},
		),
		DeferredDeleteBacklog: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vinyl_deferred_delete_backlog",
				Help: "Number of deferred-delete batches currently in flight toward the sink.",
			},
		),
		DeferredDeleteBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vinyl_deferred_delete_batches_total",
				Help: "Total deferred-delete batches dispatched, by outcome.",
			},
			[]string{"outcome"},
		),
		WorkersBusy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vinyl_workers_busy",
				Help: "Number of worker goroutines currently executing a task, by pool.",
			},
			[]string{"pool"},
		),
	}
}
