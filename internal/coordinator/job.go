package coordinator

import (
	"context"
	"sync"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/fingerprint"
)

type jobState string

const (
	stateQueued    jobState = "queued"
	stateProducing jobState = "producing"
)

type result struct {
	meta      artifact.Meta
	fromStore bool
	err       error
}

// job is one in-flight production. Chunks are appended to the store writer
// before they are broadcast, so the writer always holds every chunk a
// consumer may have missed.
type job struct {
	fp          fingerprint.Fingerprint
	req         Request
	contentType string
	abandon     AbandonPolicy
	stall       time.Duration
	started     time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	state     jobState
	writer    artifact.Writer
	produced  int
	bytes     int64
	consumers map[*consumer]struct{}
	waiters   int
	finished  bool
	res       result
}

func newJob(parent context.Context, req Request, contentType string, abandon AbandonPolicy, stall time.Duration) *job {
	ctx, cancel := context.WithCancelCause(parent)
	return &job{
		fp:          req.Fingerprint,
		req:         req,
		contentType: contentType,
		abandon:     abandon,
		stall:       stall,
		started:     time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       stateQueued,
		consumers:   make(map[*consumer]struct{}),
	}
}

type attachStatus int

const (
	attached attachStatus = iota
	jobFinished
	jobCancelling
)

// attach registers a consumer that receives every chunk produced from now
// on and replays earlier ones from the writer.
func (j *job) attach(ctx context.Context, queue int, store artifact.Store) (*consumer, attachStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return nil, jobFinished
	}
	if j.ctx.Err() != nil {
		return nil, jobCancelling
	}
	c := &consumer{
		job:      j,
		ctx:      ctx,
		store:    store,
		queue:    make(chan []byte, queue),
		liveFrom: j.produced,
	}
	c.touch()
	j.consumers[c] = struct{}{}
	return c, attached
}

// detach removes c. Consumers dropped for being too slow are already gone
// and never count towards abandonment.
func (j *job) detach(c *consumer) {
	j.mu.Lock()
	_, present := j.consumers[c]
	delete(j.consumers, c)
	abandoned := present && j.abandonedLocked()
	j.mu.Unlock()
	if abandoned {
		j.cancel(errAbandoned)
	}
}

func (j *job) addWaiter() {
	j.mu.Lock()
	j.waiters++
	j.mu.Unlock()
}

func (j *job) removeWaiter() {
	j.mu.Lock()
	j.waiters--
	abandoned := j.abandonedLocked()
	j.mu.Unlock()
	if abandoned {
		j.cancel(errAbandoned)
	}
}

func (j *job) abandonedLocked() bool {
	return j.abandon == CancelWhenAbandoned && !j.finished &&
		len(j.consumers) == 0 && j.waiters == 0
}

func (j *job) setState(s jobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *job) setWriter(w artifact.Writer) {
	j.mu.Lock()
	j.writer = w
	j.mu.Unlock()
}

// broadcast hands chunk to every consumer without blocking. A consumer
// whose queue is full stops receiving chunks and catches up from the
// writer; one that has not read for the stall timeout is dropped. It
// returns the number of consumers that fell behind and that were dropped.
func (j *job) broadcast(chunk []byte) (lagging, dropped int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.produced++
	j.bytes += int64(len(chunk))
	now := time.Now()
	for c := range j.consumers {
		if c.lagging {
			if c.stalled(now, j.stall) {
				j.dropLocked(c)
				dropped++
			}
			continue
		}
		select {
		case c.queue <- chunk:
		default:
			if c.stalled(now, j.stall) {
				j.dropLocked(c)
				dropped++
				continue
			}
			c.lagging = true
			lagging++
		}
	}
	return lagging, dropped
}

func (j *job) dropLocked(c *consumer) {
	delete(j.consumers, c)
	c.dropErr = ErrConsumerTooSlow
	close(c.queue)
}

// rejoin puts a lagging consumer that has read every produced chunk back
// on its queue. It reports whether c is caught up.
func (j *job) rejoin(c *consumer) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c.next < j.produced {
		return false
	}
	if _, live := j.consumers[c]; live && !j.finished {
		c.lagging = false
	}
	return true
}

func (j *job) producedChunks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.produced
}

// finish records the outcome and ends every live queue. Chunks already
// queued are still delivered before the outcome.
func (j *job) finish(res result) {
	j.mu.Lock()
	j.finished = true
	j.res = res
	for c := range j.consumers {
		close(c.queue)
	}
	clear(j.consumers)
	j.mu.Unlock()
	close(j.done)
}

func (j *job) result() result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.res
}

// stagedChunk reads chunk index back from the writer.
func (j *job) stagedChunk(ctx context.Context, index int) ([]byte, error) {
	j.mu.Lock()
	w := j.writer
	j.mu.Unlock()
	if w == nil {
		return nil, errNoWriter
	}
	return w.Chunk(ctx, index)
}

// JobInfo describes an in-flight production.
type JobInfo struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Source      string                  `json:"source"`
	Params      fingerprint.Params      `json:"params"`
	State       string                  `json:"state"`
	StartedAt   time.Time               `json:"startedAt"`
	Chunks      int                     `json:"chunks"`
	Bytes       int64                   `json:"bytes"`
	Consumers   int                     `json:"consumers"`
	Waiters     int                     `json:"waiters"`
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{
		Fingerprint: j.fp,
		Source:      j.req.Source,
		Params:      j.req.Params,
		State:       string(j.state),
		StartedAt:   j.started,
		Chunks:      j.produced,
		Bytes:       j.bytes,
		Consumers:   len(j.consumers),
		Waiters:     j.waiters,
	}
}
