package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_transcoder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_transcoder_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)

	FeedsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_feeds_registered",
			Help: "Number of feeds in the registry",
		},
	)
)

// Cache metrics
var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_cache_lookups_total",
			Help: "Playback requests by how they were resolved (hit, miss, shared)",
		},
		[]string{"result"},
	)

	StoreArtifacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_store_artifacts",
			Help: "Number of complete artifacts in the store",
		},
	)

	StoreBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_store_bytes",
			Help: "Total size of complete artifacts in the store",
		},
	)

	StorePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_store_pending",
			Help: "Number of artifacts currently being written",
		},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_store_errors_total",
			Help: "Total number of failed artifact store operations",
		},
		[]string{"operation"},
	)
)

// Eviction metrics
var (
	EvictionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_eviction_runs_total",
			Help: "Total number of eviction passes",
		},
		[]string{"trigger", "status"}, // trigger: "scheduled", "manual"
	)

	EvictedArtifactsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_evicted_artifacts_total",
			Help: "Total number of artifacts removed by eviction",
		},
	)

	EvictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_evicted_bytes_total",
			Help: "Total bytes freed by eviction",
		},
	)

	EvictionSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_eviction_skipped_total",
			Help: "Total number of eviction candidates skipped because they were being read",
		},
	)

	JanitorRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_janitor_running",
			Help: "Whether an eviction pass is in progress (1 = running, 0 = idle)",
		},
	)

	JanitorLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_janitor_last_run_timestamp",
			Help: "Unix timestamp of the last eviction pass",
		},
	)

	JanitorLastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_janitor_last_run_duration_seconds",
			Help: "Duration of the last eviction pass in seconds",
		},
	)
)

// Transcode metrics
var (
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_transcode_jobs_total",
			Help: "Total number of productions by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	TranscodeJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_transcoder_transcode_job_duration_seconds",
			Help:    "Production duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"provider"},
	)

	TranscodeJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_transcode_jobs_in_progress",
			Help: "Number of productions currently in progress",
		},
	)

	TranscodeBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_transcode_bytes_total",
			Help: "Total bytes produced by providers",
		},
	)

	TranscodeConsumerDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_transcode_consumer_drops_total",
			Help: "Total number of live listeners dropped for falling behind",
		},
	)
)

// Playback and feed metrics
var (
	PlaybackRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_playback_requests_total",
			Help: "Total number of playback requests by how they were served",
		},
		[]string{"mode", "status"}, // mode: "cached", "live", "range_blocked", "range_rejected"
	)

	PlaybackBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_playback_bytes_total",
			Help: "Total bytes written to listeners",
		},
		[]string{"mode"},
	)

	FeedRewritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_feed_rewrites_total",
			Help: "Total number of feed rewrites",
		},
		[]string{"status"},
	)

	FeedEnclosuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_feed_enclosures_total",
			Help: "Total number of enclosures seen by the rewriter",
		},
		[]string{"result"}, // "rewritten", "skipped"
	)

	FeedFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_transcoder_feed_fetch_duration_seconds",
			Help:    "Upstream feed fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Retry metrics
var (
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_retry_attempts_total",
			Help: "Total number of retried operations",
		},
		[]string{"operation"},
	)

	RetrySuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_retry_success_total",
			Help: "Total number of operations that succeeded after a retry",
		},
		[]string{"operation"},
	)

	RetryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_retry_failures_total",
			Help: "Total number of operations that failed after all retries",
		},
		[]string{"operation"},
	)

	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_transcoder_retry_duration_seconds",
			Help:    "Total time spent in an operation including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Authentication metrics
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_transcoder_auth_attempts_total",
			Help: "Total number of admin authentication attempts",
		},
		[]string{"status"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_memory_paused",
			Help: "Whether new productions are held back for memory (1 = paused, 0 = admitting)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_memory_gc_pauses_total",
			Help: "Total number of times memory crossed the critical water mark",
		},
	)

	GoMemAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_go_memalloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	GoGCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_transcoder_go_gc_runs_total",
			Help: "Total number of completed GC cycles",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_transcoder_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version", "provider", "store"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion, provider, store string) {
	AppInfo.WithLabelValues(version, commit, goVersion, provider, store).Set(1)
}
