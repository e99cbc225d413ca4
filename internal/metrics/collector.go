package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/logging"
)

// StatsProvider reports artifact store totals. artifact.Store satisfies it.
type StatsProvider interface {
	Stats(ctx context.Context) (artifact.Stats, error)
}

// FeedCounter reports the number of registered feeds.
type FeedCounter interface {
	CountFeeds(ctx context.Context) (int, error)
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	feedCounter   FeedCounter
	dbPath        string
	interval      time.Duration
	stopChan      chan struct{}
	lastGCCount   uint32
}

// NewCollector creates a new metrics collector. dbPath may be empty when
// the feed registry is not file-backed.
func NewCollector(provider StatsProvider, dbPath string, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		dbPath:        dbPath,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// SetFeedCounter enables the registered feeds gauge.
func (c *Collector) SetFeedCounter(fc FeedCounter) {
	c.feedCounter = fc
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectMemoryMetrics()
	c.collectDBSize()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	if c.feedCounter != nil {
		if n, err := c.feedCounter.CountFeeds(ctx); err == nil {
			FeedsRegistered.Set(float64(n))
		} else {
			logging.Debug("Metrics: counting feeds failed: %v", err)
		}
	}

	if c.statsProvider == nil {
		return
	}

	stats, err := c.statsProvider.Stats(ctx)
	if err != nil {
		StoreErrorsTotal.WithLabelValues("stats").Inc()
		logging.Warn("Metrics: reading store stats failed: %v", err)
		return
	}

	StoreArtifacts.Set(float64(stats.Artifacts))
	StoreBytes.Set(float64(stats.Bytes))
	StorePending.Set(float64(stats.Pending))

	logging.Debug("Metrics collected: artifacts=%d, bytes=%d, pending=%d",
		stats.Artifacts, stats.Bytes, stats.Pending)
}

func (c *Collector) timeout() time.Duration {
	if c.interval > 0 && c.interval < 10*time.Second {
		return c.interval
	}
	return 10 * time.Second
}

func (c *Collector) collectMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	GoMemAllocBytes.Set(float64(m.Alloc))
	if m.NumGC > c.lastGCCount {
		GoGCRuns.Add(float64(m.NumGC - c.lastGCCount))
	}
	c.lastGCCount = m.NumGC
}

func (c *Collector) collectDBSize() {
	if c.dbPath == "" {
		return
	}

	for file, path := range map[string]string{
		"main": c.dbPath,
		"wal":  c.dbPath + "-wal",
		"shm":  c.dbPath + "-shm",
	} {
		info, err := os.Stat(path)
		if err != nil {
			DBSizeBytes.WithLabelValues(file).Set(0)
			continue
		}
		DBSizeBytes.WithLabelValues(file).Set(float64(info.Size()))
	}
}
