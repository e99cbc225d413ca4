package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/provider"
	"feed-transcoder/internal/workers"
)

const (
	// DefaultConsumerQueue is the per-consumer queue length in chunks.
	DefaultConsumerQueue = 64

	// DefaultConsumerStall is how long a consumer may go without reading
	// before the production drops it.
	DefaultConsumerStall = 2 * time.Minute

	// maxAttempts bounds how often a request re-resolves after racing a
	// cancelled or evicted production.
	maxAttempts = 5
)

// Request identifies the artifact to serve. Source must be the canonical
// URL the fingerprint was computed from.
type Request struct {
	Fingerprint fingerprint.Fingerprint
	Source      string
	Params      fingerprint.Params
}

func (r Request) validate() error {
	if r.Fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", fingerprint.ErrInvalidInput)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: empty source", fingerprint.ErrInvalidInput)
	}
	return nil
}

// Admission gates the start of new productions, for example on memory
// pressure. Wait blocks until a production may start or ctx ends.
type Admission interface {
	Wait(ctx context.Context) error
}

// Config wires a Coordinator. Store, Provider and Source are required.
type Config struct {
	Store    artifact.Store
	Provider provider.Provider
	Source   provider.Source
	Registry *Registry

	// Workers bounds concurrent provider invocations.
	Workers int

	// ConsumerQueue is the number of chunks buffered for a consumer. A
	// consumer that falls further behind catches up from the staged
	// artifact instead.
	ConsumerQueue int

	// ConsumerStall drops a consumer that has not read for this long while
	// the production is ahead of it.
	ConsumerStall time.Duration

	// MaxDuration bounds a single production. Zero means no limit.
	MaxDuration time.Duration

	Abandon   AbandonPolicy
	Observer  Observer
	Admission Admission
}

// Coordinator serves artifacts from the store and runs at most one
// production per fingerprint, broadcasting its output to every requester
// while writing it to the store.
type Coordinator struct {
	store       artifact.Store
	provider    provider.Provider
	source      provider.Source
	registry    *Registry
	observer    Observer
	admission   Admission
	slots       chan struct{}
	queue       int
	stall       time.Duration
	maxDuration time.Duration
	abandon     AbandonPolicy

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a Coordinator. Productions run on a context owned by the
// coordinator, not by any requester, and end at Shutdown.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Provider == nil || cfg.Source == nil {
		return nil, errors.New("coordinator requires a store, a provider and a source")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = workers.ForTranscode(0)
	}
	if cfg.ConsumerQueue <= 0 {
		cfg.ConsumerQueue = DefaultConsumerQueue
	}
	if cfg.ConsumerStall <= 0 {
		cfg.ConsumerStall = DefaultConsumerStall
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		store:       cfg.Store,
		provider:    cfg.Provider,
		source:      cfg.Source,
		registry:    cfg.Registry,
		observer:    cfg.Observer,
		admission:   cfg.Admission,
		slots:       make(chan struct{}, cfg.Workers),
		queue:       cfg.ConsumerQueue,
		stall:       cfg.ConsumerStall,
		maxDuration: cfg.MaxDuration,
		abandon:     cfg.Abandon,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Request returns a stream of the artifact for req: the stored artifact on
// a cache hit, otherwise a live attachment to the single production for the
// fingerprint, started on demand.
func (c *Coordinator) Request(ctx context.Context, req Request) (Stream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if j := c.registry.lookup(req.Fingerprint); j != nil {
			c.observer.CacheLookup("shared")
			s, err := c.attach(ctx, j)
			if !errors.Is(err, errRetry) {
				return s, err
			}
			lastErr = err
			continue
		}

		r, err := c.store.OpenRead(ctx, req.Fingerprint)
		if err == nil {
			c.observer.CacheLookup("hit")
			return &cachedStream{Reader: r}, nil
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
		c.observer.CacheLookup("miss")

		j, err := c.ensure(req)
		if err != nil {
			return nil, err
		}
		s, err := c.attach(ctx, j)
		if !errors.Is(err, errRetry) {
			return s, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("request for %s did not settle: %w", req.Fingerprint.Short(), lastErr)
}

var errRetry = errors.New("production ended before attach")

// attach joins j. A job that is being cancelled, or whose artifact vanished
// between commit and open, yields errRetry so Request starts over.
func (c *Coordinator) attach(ctx context.Context, j *job) (Stream, error) {
	cons, status := j.attach(ctx, c.queue, c.store)
	switch status {
	case attached:
		return cons, nil
	case jobCancelling:
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, errRetry
	}

	res := j.result()
	if errors.Is(res.err, errAbandoned) {
		return nil, errRetry
	}
	if res.err != nil {
		return nil, res.err
	}
	r, err := c.store.OpenRead(ctx, j.fp)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", errRetry, err)
	}
	if err != nil {
		return nil, err
	}
	return &cachedStream{Reader: r}, nil
}

// ensure claims req's fingerprint and starts its producer, or returns the
// job that already holds the claim.
func (c *Coordinator) ensure(req Request) (*job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	contentType := mediatypes.ContentType(req.Params.Codec)
	j, created := c.registry.claim(req.Fingerprint, func() *job {
		return newJob(c.ctx, req, contentType, c.abandon, c.stall)
	})
	if created {
		c.wg.Add(1)
		go c.produce(j)
	}
	return j, nil
}

// Await makes sure the artifact for req is produced and blocks until it is
// Complete, the production fails, or ctx ends.
func (c *Coordinator) Await(ctx context.Context, req Request) (artifact.Meta, error) {
	if err := req.validate(); err != nil {
		return artifact.Meta{}, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		meta, err := c.store.Stat(ctx, req.Fingerprint)
		if err == nil && meta.State == artifact.StateComplete {
			return meta, nil
		}
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return artifact.Meta{}, err
		}

		j := c.registry.lookup(req.Fingerprint)
		if j == nil {
			if j, err = c.ensure(req); err != nil {
				return artifact.Meta{}, err
			}
		}

		j.addWaiter()
		select {
		case <-j.done:
			j.removeWaiter()
		case <-ctx.Done():
			j.removeWaiter()
			return artifact.Meta{}, ctx.Err()
		}

		res := j.result()
		if errors.Is(res.err, errAbandoned) {
			lastErr = res.err
			continue
		}
		if res.err != nil {
			return artifact.Meta{}, res.err
		}
		return res.meta, nil
	}
	return artifact.Meta{}, fmt.Errorf("await for %s did not settle: %w", req.Fingerprint.Short(), lastErr)
}

// Start makes sure the artifact for req is stored or being produced,
// without attaching to the production.
func (c *Coordinator) Start(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if c.registry.lookup(req.Fingerprint) != nil {
		return nil
	}
	exists, err := c.store.Exists(ctx, req.Fingerprint)
	if err != nil || exists {
		return err
	}
	c.observer.CacheLookup("miss")
	_, err = c.ensure(req)
	return err
}

// Active lists in-flight productions, oldest first.
func (c *Coordinator) Active() []JobInfo {
	jobs := c.registry.snapshot()
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.info())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// Shutdown refuses new productions, cancels running ones and waits for
// their producers to exit or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) produce(j *job) {
	defer c.wg.Done()

	name := c.provider.Name()
	start := time.Now()
	c.observer.JobStarted(name)
	logging.Info("Transcode %s started: %s (%s %dk)", j.fp.Short(), j.req.Source, j.req.Params.Codec, j.req.Params.BitrateKbps)

	res := c.run(j)

	// Release before finishing: a request arriving in between finds the
	// committed artifact in the store, or retries a failed one afresh.
	c.registry.release(j.fp, j)
	j.finish(res)
	j.cancel(nil)

	outcome := Outcome(res.err)
	if res.fromStore {
		outcome = "cached"
	}
	c.observer.JobFinished(name, outcome, time.Since(start), res.meta.Size)

	switch {
	case res.err == nil:
		logging.Info("Transcode %s %s: %d bytes in %s", j.fp.Short(), outcome, res.meta.Size, time.Since(start).Round(time.Millisecond))
	case outcome == "cancelled":
		logging.Info("Transcode %s cancelled: %v", j.fp.Short(), res.err)
	default:
		logging.Error("Transcode %s failed (%s): %v", j.fp.Short(), outcome, res.err)
	}
}

func (c *Coordinator) run(j *job) result {
	ctx := j.ctx

	// The artifact may have been committed between the requester's store
	// miss and its claim.
	meta, err := c.store.Stat(ctx, j.fp)
	if err == nil && meta.State == artifact.StateComplete {
		return result{meta: meta, fromStore: true}
	}
	if err != nil && !errors.Is(err, artifact.ErrNotFound) {
		return result{err: c.jobErr(j, nil, err)}
	}

	if c.admission != nil {
		if err := c.admission.Wait(ctx); err != nil {
			return result{err: c.jobErr(j, nil, err)}
		}
	}
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return result{err: c.jobErr(j, nil, ctx.Err())}
	}
	defer func() { <-c.slots }()
	j.setState(stateProducing)

	pctx := ctx
	if c.maxDuration > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.maxDuration)
		defer cancel()
	}

	meta, err = c.transcode(pctx, j)
	if err != nil {
		return result{err: c.jobErr(j, pctx, err)}
	}
	return result{meta: meta}
}

// transcode streams the source through the provider into the store and out
// to consumers, chunk by chunk.
func (c *Coordinator) transcode(ctx context.Context, j *job) (meta artifact.Meta, err error) {
	src, err := c.source.Open(ctx, j.req.Source)
	if err != nil {
		return meta, err
	}
	defer src.Close()
	guard := &sourceGuard{r: src}

	out, err := c.provider.Transcode(ctx, guard, j.req.Params)
	if err != nil {
		return meta, err
	}
	defer out.Close()

	w, err := c.store.BeginWrite(ctx, j.fp, j.contentType)
	if err != nil {
		return meta, err
	}
	j.setWriter(w)
	defer func() {
		if err == nil {
			return
		}
		if aerr := w.Abort(ctx); aerr != nil {
			logging.Warn("Abort of staged artifact %s failed: %v", j.fp.Short(), aerr)
		}
	}()

	chunkSize := c.store.ChunkSize()
	for {
		buf := make([]byte, chunkSize)
		n, rerr := io.ReadFull(out, buf)
		if n > 0 {
			if err := w.Append(ctx, buf[:n]); err != nil {
				return meta, err
			}
			lagging, dropped := j.broadcast(buf[:n])
			if lagging > 0 {
				logging.Debug("Transcode %s: %d consumer(s) fell behind, catching up from the store", j.fp.Short(), lagging)
			}
			if dropped > 0 {
				for range dropped {
					c.observer.ConsumerDropped()
				}
				logging.Warn("Transcode %s dropped %d stalled consumer(s)", j.fp.Short(), dropped)
			}
			c.observer.ChunkProduced(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return meta, rerr
		}
	}

	// A provider may treat a truncated source as end of input.
	if err := guard.Err(); err != nil {
		return meta, err
	}
	return w.Commit(ctx)
}

// jobErr attributes a production failure. Cancellation of the job reports
// its cause; an expired production deadline becomes ErrTranscodeTimeout.
func (c *Coordinator) jobErr(j *job, pctx context.Context, err error) error {
	if j.ctx.Err() != nil {
		return fmt.Errorf("production cancelled: %w", context.Cause(j.ctx))
	}
	if pctx != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrTranscodeTimeout) {
		return fmt.Errorf("%w after %s: %v", provider.ErrTranscodeTimeout, c.maxDuration, err)
	}
	return err
}

// sourceGuard remembers the first read error from the source.
type sourceGuard struct {
	r   io.Reader
	mu  sync.Mutex
	err error
}

func (g *sourceGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	if err != nil && err != io.EOF {
		g.mu.Lock()
		if g.err == nil {
			g.err = err
		}
		g.mu.Unlock()
	}
	return n, err
}

func (g *sourceGuard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
