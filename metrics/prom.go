package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClipUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_clip_uploaded_total",
		Help: "no. of clips uploaded",
	})
	ClipIdempotentHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_clip_idempotent_hits_total",
		Help: "no. of uploads collapsed onto an existing record",
	})
	ClipConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_clip_key_conflicts_total",
		Help: "no. of truncated-hash collisions rejected",
	})
	ClipRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_clip_retrieved_total",
		Help: "no. of clips retrieved",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_cache_hits_total",
		Help: "no. of blob cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_cache_misses_total",
		Help: "no. of blob cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiopaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiopaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	GCRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_gc_runs_total",
		Help: "no. of garbage collector passes",
	})
	GCRecordsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_gc_records_deleted_total",
		Help: "no. of retired metadata records removed",
	})
	GCBlobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_gc_blobs_deleted_total",
		Help: "no. of blobs removed with their records",
	})
	GCOrphansDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiopaste_gc_orphans_deleted_total",
		Help: "no. of unreferenced blobs removed",
	})
	GCDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audiopaste_gc_duration_seconds",
		Help:    "garbage collector pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

func Init() {
}
