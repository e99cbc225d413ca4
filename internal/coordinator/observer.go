package coordinator

import "time"

// Observer receives coordinator events, typically to record metrics.
type Observer interface {
	// CacheLookup is called once per request with "hit", "miss" or "shared".
	CacheLookup(result string)
	JobStarted(provider string)
	JobFinished(provider, outcome string, duration time.Duration, bytes int64)
	ChunkProduced(bytes int)
	ConsumerDropped()
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string)                               {}
func (nopObserver) JobStarted(string)                                {}
func (nopObserver) JobFinished(string, string, time.Duration, int64) {}
func (nopObserver) ChunkProduced(int)                                {}
func (nopObserver) ConsumerDropped()                                 {}
