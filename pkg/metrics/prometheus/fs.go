// Package prometheus implements the filesystem metrics interfaces on top of
// the registry managed by pkg/metrics. Importing it registers the
// constructors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/gc"
	"github.com/marmos91/flashfs/pkg/metrics"
)

func init() {
	metrics.RegisterFSMetricsConstructor(NewFSMetrics)
}

// fsMetrics is the Prometheus implementation of fs.Metrics.
type fsMetrics struct {
	opens          *prometheus.CounterVec
	commits        prometheus.Counter
	commitBytes    prometheus.Histogram
	commitBlocks   prometheus.Histogram
	commitDuration prometheus.Histogram
	aborts         prometheus.Counter
	deletes        prometheus.Counter

	collections     prometheus.Counter
	collectDuration prometheus.Histogram
	reclaimedBlocks prometheus.Counter
	relocatedFiles  prometheus.Counter
	collectErrors   prometheus.Counter
	stillReferenced prometheus.Counter

	blocks     *prometheus.GaugeVec
	eraseCount *prometheus.GaugeVec
	wearSpread prometheus.Gauge
	handles    *prometheus.GaugeVec
}

// NewFSMetrics creates a Prometheus-backed fs.Metrics on the active registry.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewFSMetrics() fs.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &fsMetrics{
		opens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashfs_open_total",
				Help: "Total number of open calls by result",
			},
			[]string{"result"}, // "found", "not_found"
		),
		commits: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_commits_total",
			Help: "Total number of finalized writes",
		}),
		commitBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashfs_commit_bytes",
			Help:    "Distribution of committed file sizes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B .. 4MB
		}),
		commitBlocks: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashfs_commit_blocks",
			Help:    "Distribution of blocks per committed file",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name: "flashfs_commit_duration_milliseconds",
			Help: "Time from BeginWrite to a durable commit in milliseconds",
			Buckets: []float64{
				0.1, // in-memory devices
				1,
				5,
				10,
				50,
				100,
				500,
				1000,
				5000, // large files on slow flash
			},
		}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_aborts_total",
			Help: "Total number of aborted or failed writes",
		}),
		deletes: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_deletes_total",
			Help: "Total number of deleted files",
		}),
		collections: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_gc_passes_total",
			Help: "Total number of garbage collection passes",
		}),
		collectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashfs_gc_duration_milliseconds",
			Help:    "Duration of garbage collection passes in milliseconds",
			Buckets: []float64{0.1, 1, 10, 100, 1000, 10000},
		}),
		reclaimedBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_gc_reclaimed_blocks_total",
			Help: "Total number of blocks erased and returned to the pool",
		}),
		relocatedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_gc_relocated_files_total",
			Help: "Total number of files moved by static wear leveling",
		}),
		collectErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_gc_errors_total",
			Help: "Total number of failed reclaims and relocations",
		}),
		stillReferenced: f.NewCounter(prometheus.CounterOpts{
			Name: "flashfs_gc_still_referenced_total",
			Help: "Total number of reclaim attempts skipped because the block was referenced",
		}),
		blocks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashfs_blocks",
				Help: "Number of blocks by state",
			},
			[]string{"state"}, // "free", "live", "stale", "reserved", "bad"
		),
		eraseCount: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashfs_erase_count",
				Help: "Erase counts of the least and most worn pool blocks",
			},
			[]string{"bound"}, // "min", "max"
		),
		wearSpread: f.NewGauge(prometheus.GaugeOpts{
			Name: "flashfs_wear_spread",
			Help: "Difference between the most and least worn pool blocks",
		}),
		handles: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashfs_open_handles",
				Help: "Number of open handles by kind",
			},
			[]string{"kind"}, // "reader", "writer"
		),
	}
}

func (m *fsMetrics) ObserveOpen(found bool) {
	result := "found"
	if !found {
		result = "not_found"
	}
	m.opens.WithLabelValues(result).Inc()
}

func (m *fsMetrics) ObserveCommit(bytes int64, blocks int, duration time.Duration) {
	m.commits.Inc()
	m.commitBytes.Observe(float64(bytes))
	m.commitBlocks.Observe(float64(blocks))
	m.commitDuration.Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *fsMetrics) ObserveAbort() {
	m.aborts.Inc()
}

func (m *fsMetrics) ObserveDelete() {
	m.deletes.Inc()
}

func (m *fsMetrics) ObserveCollect(stats *gc.Stats, duration time.Duration) {
	m.collections.Inc()
	m.collectDuration.Observe(float64(duration.Microseconds()) / 1000.0)
	if stats == nil {
		return
	}
	m.reclaimedBlocks.Add(float64(stats.Reclaimed))
	m.relocatedFiles.Add(float64(stats.Relocated))
	m.collectErrors.Add(float64(stats.Errors))
	m.stillReferenced.Add(float64(stats.StillReferenced))
}

func (m *fsMetrics) RecordBlocks(stats alloc.Stats) {
	m.blocks.WithLabelValues("free").Set(float64(stats.Free))
	m.blocks.WithLabelValues("live").Set(float64(stats.Live))
	m.blocks.WithLabelValues("stale").Set(float64(stats.Stale))
	m.blocks.WithLabelValues("reserved").Set(float64(stats.Reserved))
	m.blocks.WithLabelValues("bad").Set(float64(stats.Bad))
	m.eraseCount.WithLabelValues("min").Set(float64(stats.MinErase))
	m.eraseCount.WithLabelValues("max").Set(float64(stats.MaxErase))
	m.wearSpread.Set(float64(stats.Spread()))
}

func (m *fsMetrics) RecordHandles(readers, writers int) {
	m.handles.WithLabelValues("reader").Set(float64(readers))
	m.handles.WithLabelValues("writer").Set(float64(writers))
}
