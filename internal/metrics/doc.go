// Package metrics provides Prometheus instrumentation for feed-transcoder.
//
// All metrics are prefixed with "feed_transcoder_" and registered with the
// default registry through promauto, so they are exported by the standard
// promhttp handler served on METRICS_PORT.
//
// # Metric Categories
//
// ## HTTP Metrics
//
//   - HTTPRequestsTotal: requests by method, route template and status
//   - HTTPRequestDuration: request duration by method and route template
//   - HTTPRequestsInFlight: requests currently being processed
//
// ## Cache and Store Metrics
//
//   - CacheLookupsTotal: playback requests by resolution (hit, miss, shared)
//   - StoreArtifacts, StoreBytes, StorePending: store totals, polled by
//     the [Collector]
//   - StoreErrorsTotal: failed store operations
//   - Eviction*, Evicted*, Janitor*: eviction passes and their effect
//
// ## Transcode Metrics
//
// Recorded through the coordinator.Observer returned by
// [NewCoordinatorObserver]:
//
//   - TranscodeJobsTotal: productions by provider and outcome
//   - TranscodeJobDuration: production wall time by provider
//   - TranscodeJobsInProgress: productions currently running
//   - TranscodeBytesTotal: bytes produced
//   - TranscodeConsumerDropsTotal: listeners dropped for falling behind
//
// ## Playback and Feed Metrics
//
//   - PlaybackRequestsTotal, PlaybackBytesTotal: by serving mode
//   - FeedRewritesTotal, FeedEnclosuresTotal, FeedFetchDuration
//
// ## Infrastructure Metrics
//
//   - DB*: feed registry queries and SQLite file sizes
//   - Retry*: operations retried with backoff
//   - Memory*, GoMemAllocBytes, GoGCRuns: heap usage and admission state
//   - AuthAttemptsTotal: admin API authentication
//   - AppInfo: version, commit, provider and store backend
//
// # Initialization
//
// [InitializeMetrics] pre-populates label combinations so that every series
// exists from the first scrape, which keeps rate() queries and alerts well
// defined on a fresh process.
package metrics
