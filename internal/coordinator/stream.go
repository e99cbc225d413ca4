package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"feed-transcoder/internal/artifact"
)

var (
	errNoWriter       = errors.New("production has not started writing")
	errConsumerClosed = errors.New("stream closed")
)

// Stream is the byte stream returned by Request.
type Stream interface {
	io.ReadCloser

	ContentType() string

	// Size returns the total length, or -1 while it is still unknown.
	Size() int64

	// Artifact returns the seekable store reader when the request was
	// served from the cache.
	Artifact() (artifact.Reader, bool)
}

// cachedStream serves a Complete artifact straight from the store.
type cachedStream struct {
	artifact.Reader
}

func (s *cachedStream) ContentType() string { return s.Meta().ContentType }
func (s *cachedStream) Size() int64         { return s.Meta().Size }

func (s *cachedStream) Artifact() (artifact.Reader, bool) {
	return s.Reader, true
}

// consumer is one requester attached to a live production. It first
// replays chunks [0, liveFrom) from the staged writer, then drains its own
// bounded queue. A consumer that falls a full queue behind is marked
// lagging: it reads from the writer until it has caught up and then
// returns to the queue.
type consumer struct {
	job   *job
	ctx   context.Context
	store artifact.Store

	queue    chan []byte
	liveFrom int
	next     int
	offset   int64
	cur      []byte

	// lastRead is the time of the latest Read in unix nanoseconds.
	lastRead atomic.Int64

	// lagging and dropErr are guarded by job.mu.
	lagging bool
	dropErr error

	// fallback is set once the remaining bytes come from the committed
	// artifact.
	fallback artifact.Reader

	closeOnce sync.Once
	closed    bool
}

func (c *consumer) ContentType() string { return c.job.contentType }
func (c *consumer) Size() int64         { return -1 }

func (c *consumer) Artifact() (artifact.Reader, bool) {
	return nil, false
}

func (c *consumer) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

func (c *consumer) stalled(now time.Time, limit time.Duration) bool {
	return limit > 0 && now.Sub(time.Unix(0, c.lastRead.Load())) > limit
}

func (c *consumer) Read(p []byte) (int, error) {
	if c.closed {
		return 0, errConsumerClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.touch()
	for len(c.cur) == 0 {
		if c.fallback != nil {
			return c.fallback.Read(p)
		}
		chunk, err := c.nextChunk()
		if err != nil {
			return 0, err
		}
		if chunk != nil {
			c.next++
			c.offset += int64(len(chunk))
		}
		c.cur = chunk
	}
	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

// nextChunk returns chunk c.next. A nil chunk with a nil error means the
// consumer switched to the committed artifact.
func (c *consumer) nextChunk() ([]byte, error) {
	for {
		if c.next < c.liveFrom {
			return c.replay()
		}

		c.job.mu.Lock()
		lagging := c.lagging
		c.job.mu.Unlock()

		if !lagging {
			select {
			case chunk, ok := <-c.queue:
				if ok {
					return chunk, nil
				}
				return nil, c.endOfQueue()
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			}
		}

		// Lagging: drain what was queued, then read from the writer.
		select {
		case chunk, ok := <-c.queue:
			if ok {
				return chunk, nil
			}
			if err := c.dropped(); err != nil {
				return nil, err
			}
			if c.next < c.job.producedChunks() {
				return c.replay()
			}
			return nil, c.endOfQueue()
		default:
		}
		if c.job.rejoin(c) {
			continue
		}
		return c.replay()
	}
}

// replay reads chunk c.next from the staged writer. Once the production
// has finished the staged data may be gone, so the rest is read from the
// committed artifact.
func (c *consumer) replay() ([]byte, error) {
	chunk, err := c.job.stagedChunk(c.ctx, c.next)
	if err == nil {
		return chunk, nil
	}
	if c.ctx.Err() != nil {
		return nil, c.ctx.Err()
	}
	select {
	case <-c.job.done:
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}

	if err := c.dropped(); err != nil {
		return nil, err
	}
	res := c.job.result()
	if res.err != nil {
		return nil, res.err
	}
	if err := c.resumeFromStore(); err != nil {
		return nil, err
	}
	return nil, nil
}

// endOfQueue resolves a closed queue into EOF, the production error, the
// drop error, or a switch to the stored artifact.
func (c *consumer) endOfQueue() error {
	if err := c.dropped(); err != nil {
		return err
	}

	<-c.job.done
	res := c.job.result()
	if res.err != nil {
		return res.err
	}
	if res.fromStore {
		return c.resumeFromStore()
	}
	return io.EOF
}

// resumeFromStore continues the stream from the committed artifact at the
// current offset.
func (c *consumer) resumeFromStore() error {
	r, err := c.store.OpenRead(c.ctx, c.job.fp)
	if err != nil {
		return err
	}
	if c.offset > 0 {
		if _, err := r.Seek(c.offset, io.SeekStart); err != nil {
			_ = r.Close()
			return err
		}
	}
	c.fallback = r
	return nil
}

func (c *consumer) dropped() error {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	return c.dropErr
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		c.cur = nil
		c.job.detach(c)
		if c.fallback != nil {
			_ = c.fallback.Close()
		}
	})
	return nil
}
