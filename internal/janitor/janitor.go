package janitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/metrics"

	"github.com/dustin/go-humanize"
)

const (
	// TriggerScheduled labels passes started by the interval ticker.
	TriggerScheduled = "scheduled"
	// TriggerManual labels passes started through Run or Trigger.
	TriggerManual = "manual"

	// Upper bound on a single eviction pass
	runTimeout = 2 * time.Minute
)

// ErrAlreadyRunning is returned by Run when another pass is in progress.
var ErrAlreadyRunning = errors.New("eviction already in progress")

// Bookkeeper persists the time of the last completed pass so it survives
// restarts. *database.Database implements it.
type Bookkeeper interface {
	GetLastEvictionRun(ctx context.Context) (time.Time, error)
	SetLastEvictionRun(ctx context.Context, t time.Time) error
}

// Janitor periodically evicts artifacts until the store is within its
// limits.
type Janitor struct {
	store     artifact.Store
	limits    artifact.Limits
	interval  time.Duration
	book      Bookkeeper
	stopChan  chan struct{}
	stopOnce  sync.Once
	startTime time.Time

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult artifact.EvictResult
	lastDur    time.Duration
	lastErr    error
}

// Status contains health information for the janitor.
type Status struct {
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"running"`
	Interval       string    `json:"interval"`
	MaxBytes       int64     `json:"maxBytes,omitempty"`
	MaxArtifacts   int       `json:"maxArtifacts,omitempty"`
	LastRun        time.Time `json:"lastRun,omitempty"`
	LastDuration   string    `json:"lastDuration,omitempty"`
	LastEvicted    int       `json:"lastEvicted"`
	LastFreedBytes int64     `json:"lastFreedBytes"`
	LastSkipped    int       `json:"lastSkipped"`
	LastError      string    `json:"lastError,omitempty"`
}

// New creates a Janitor. A zero interval or disabled limits leave the
// scheduled loop off; manual passes still work.
func New(store artifact.Store, limits artifact.Limits, interval time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		limits:    limits,
		interval:  interval,
		stopChan:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// SetBookkeeper sets where the last run time is persisted.
func (j *Janitor) SetBookkeeper(b Bookkeeper) {
	j.book = b
}

// Start loads the last run time and begins the scheduled loop.
func (j *Janitor) Start(ctx context.Context) {
	if j.book != nil {
		if last, err := j.book.GetLastEvictionRun(ctx); err != nil {
			logging.Warn("Could not load last eviction run: %v", err)
		} else if !last.IsZero() {
			j.mu.Lock()
			j.lastRun = last
			j.mu.Unlock()
			logging.Info("Last eviction pass ran at %s (%s)", last.Format(time.RFC3339), humanize.Time(last))
		}
	}

	if !j.limits.Enabled() || j.interval <= 0 {
		logging.Info("Cache eviction schedule disabled (limits: %s, interval: %v)", j.describeLimits(), j.interval)
		return
	}

	logging.Info("Starting cache eviction every %v (limits: %s)", j.interval, j.describeLimits())
	go j.periodicEvict()
}

// Stop ends the scheduled loop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *Janitor) periodicEvict() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logging.Debug("Scheduled eviction triggered")
			ctx, cancel := j.runContext(context.Background())
			if _, err := j.Run(ctx, TriggerScheduled); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				logging.Error("scheduled eviction failed: %v", err)
			}
			cancel()
		case <-j.stopChan:
			logging.Info("Cache eviction stopped")
			return
		}
	}
}

// runContext bounds a pass and cancels it when the janitor stops.
func (j *Janitor) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	go func() {
		select {
		case <-j.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Run performs one eviction pass against the configured limits.
func (j *Janitor) Run(ctx context.Context, trigger string) (artifact.EvictResult, error) {
	if !j.tryStart() {
		return artifact.EvictResult{}, ErrAlreadyRunning
	}

	metrics.JanitorRunning.Set(1)
	defer metrics.JanitorRunning.Set(0)

	start := time.Now()
	result, err := j.store.Evict(ctx, j.limits)
	duration := time.Since(start)

	j.finish(start, duration, result, err)

	metrics.JanitorLastRunTimestamp.Set(float64(start.Unix()))
	metrics.JanitorLastRunDuration.Set(duration.Seconds())

	if err != nil {
		metrics.EvictionRunsTotal.WithLabelValues(trigger, "error").Inc()
		metrics.StoreErrorsTotal.WithLabelValues("evict").Inc()
		return result, err
	}

	metrics.EvictionRunsTotal.WithLabelValues(trigger, "success").Inc()
	metrics.EvictedArtifactsTotal.Add(float64(len(result.Evicted)))
	metrics.EvictedBytesTotal.Add(float64(result.FreedBytes))
	metrics.EvictionSkippedTotal.Add(float64(result.Skipped))

	if len(result.Evicted) > 0 || result.Skipped > 0 {
		logging.Info("Eviction (%s) removed %d artifacts, freed %s, skipped %d in use, took %v",
			trigger, len(result.Evicted), humanize.IBytes(uint64(result.FreedBytes)), result.Skipped, duration)
	} else {
		logging.Debug("Eviction (%s) found nothing to remove in %v", trigger, duration)
	}

	if j.book != nil {
		if err := j.book.SetLastEvictionRun(ctx, start); err != nil {
			logging.Warn("Could not persist last eviction run: %v", err)
		}
	}

	return result, nil
}

// Trigger starts a manual pass in the background.
func (j *Janitor) Trigger() {
	go func() {
		ctx, cancel := j.runContext(context.Background())
		defer cancel()
		if _, err := j.Run(ctx, TriggerManual); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logging.Error("manually triggered eviction failed: %v", err)
		}
	}()
}

func (j *Janitor) tryStart() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return false
	}
	j.running = true
	return true
}

func (j *Janitor) finish(start time.Time, duration time.Duration, result artifact.EvictResult, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.running = false
	j.lastRun = start
	j.lastDur = duration
	j.lastResult = result
	j.lastErr = err
}

// IsRunning reports whether a pass is in progress.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastRun returns when the last pass started.
func (j *Janitor) LastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}

// GetStatus returns the janitor's current state.
func (j *Janitor) GetStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	status := Status{
		Enabled:        j.limits.Enabled() && j.interval > 0,
		Running:        j.running,
		Interval:       j.interval.String(),
		MaxBytes:       j.limits.MaxBytes,
		MaxArtifacts:   j.limits.MaxArtifacts,
		LastRun:        j.lastRun,
		LastEvicted:    len(j.lastResult.Evicted),
		LastFreedBytes: j.lastResult.FreedBytes,
		LastSkipped:    j.lastResult.Skipped,
	}
	if j.lastDur > 0 {
		status.LastDuration = j.lastDur.String()
	}
	if j.lastErr != nil {
		status.LastError = j.lastErr.Error()
	}
	return status
}

func (j *Janitor) describeLimits() string {
	if !j.limits.Enabled() {
		return "none"
	}
	desc := ""
	if j.limits.MaxBytes > 0 {
		desc = "max " + humanize.IBytes(uint64(j.limits.MaxBytes))
	}
	if j.limits.MaxArtifacts > 0 {
		if desc != "" {
			desc += ", "
		}
		desc += "max " + humanize.Comma(int64(j.limits.MaxArtifacts)) + " artifacts"
	}
	return desc
}
