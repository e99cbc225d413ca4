package metrics

import (
	"time"

	"feed-transcoder/internal/coordinator"
)

// coordinatorObserver implements coordinator.Observer using the Prometheus
// metrics declared in this package.
type coordinatorObserver struct{}

// NewCoordinatorObserver creates an observer that records production and
// cache lookup events into the metrics declared in metrics.go.
func NewCoordinatorObserver() coordinator.Observer {
	return &coordinatorObserver{}
}

func (o *coordinatorObserver) CacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (o *coordinatorObserver) JobStarted(string) {
	TranscodeJobsInProgress.Inc()
}

func (o *coordinatorObserver) JobFinished(provider, outcome string, duration time.Duration, _ int64) {
	TranscodeJobsInProgress.Dec()
	TranscodeJobsTotal.WithLabelValues(provider, outcome).Inc()
	if outcome != "cached" {
		TranscodeJobDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

func (o *coordinatorObserver) ChunkProduced(bytes int) {
	TranscodeBytesTotal.Add(float64(bytes))
}

func (o *coordinatorObserver) ConsumerDropped() {
	TranscodeConsumerDropsTotal.Inc()
}
