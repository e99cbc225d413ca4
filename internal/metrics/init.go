package metrics

import "feed-transcoder/internal/coordinator"

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics(provider string) {
	for _, result := range []string{"hit", "miss", "shared"} {
		CacheLookupsTotal.WithLabelValues(result)
	}

	for _, outcome := range coordinator.Outcomes() {
		TranscodeJobsTotal.WithLabelValues(provider, outcome)
	}
	TranscodeJobDuration.WithLabelValues(provider)

	for _, mode := range []string{"cached", "live", "range_blocked", "range_rejected"} {
		PlaybackRequestsTotal.WithLabelValues(mode, "success")
		PlaybackRequestsTotal.WithLabelValues(mode, "error")
	}
	for _, mode := range []string{"cached", "live"} {
		PlaybackBytesTotal.WithLabelValues(mode)
	}

	for _, status := range []string{"success", "error", "not_found"} {
		FeedRewritesTotal.WithLabelValues(status)
	}
	for _, result := range []string{"rewritten", "skipped"} {
		FeedEnclosuresTotal.WithLabelValues(result)
	}

	for _, trigger := range []string{"scheduled", "manual"} {
		EvictionRunsTotal.WithLabelValues(trigger, "success")
		EvictionRunsTotal.WithLabelValues(trigger, "error")
	}

	for _, op := range []string{"stats", "evict", "delete", "ping"} {
		StoreErrorsTotal.WithLabelValues(op)
	}

	for _, op := range []string{"feed_fetch", "store_ping"} {
		RetryAttemptsTotal.WithLabelValues(op)
		RetrySuccessTotal.WithLabelValues(op)
		RetryFailuresTotal.WithLabelValues(op)
		RetryDuration.WithLabelValues(op)
	}

	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues(file)
	}

	for _, op := range []string{"initialize_schema", "create_feed", "get_feed", "list_feeds",
		"delete_feed", "record_fetch", "count_feeds"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}

	for _, status := range []string{"success", "failure", "disabled"} {
		AuthAttemptsTotal.WithLabelValues(status)
	}
}
