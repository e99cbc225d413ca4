package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"feed-transcoder/internal/logging"
)

// Sentinel errors for streaming operations.
var (
	// ErrWriteTimeout indicates that a single write exceeded WriteTimeout,
	// typically because the listener is receiving data too slowly.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrIdleTimeout indicates that nothing was written for IdleTimeout. On a
	// live stream this includes time spent waiting on the producer.
	ErrIdleTimeout = errors.New("stream idle timeout exceeded")

	// ErrClientGone indicates that the request context ended before the
	// stream completed.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamCanceled indicates that the stream was closed programmatically.
	ErrStreamCanceled = errors.New("stream canceled")

	// ErrSourceFailed wraps an error returned by the stream's source. The
	// source error is joined so errors.Is matches both.
	ErrSourceFailed = errors.New("stream source failed")
)

// TimeoutWriterConfig configures the timeout writer behavior
type TimeoutWriterConfig struct {
	// WriteTimeout is the maximum time to wait for a single write operation
	WriteTimeout time.Duration
	// IdleTimeout is the maximum time between successful writes
	IdleTimeout time.Duration
	// MaxDuration is the absolute maximum streaming duration (0 = unlimited)
	MaxDuration time.Duration
	// ChunkSize is the largest single write and the StreamLive read buffer
	ChunkSize int
	// OnWrite is called after each successful write with its length
	OnWrite func(n int)
}

// DefaultTimeoutWriterConfig returns sensible defaults
func DefaultTimeoutWriterConfig() TimeoutWriterConfig {
	return TimeoutWriterConfig{
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
		MaxDuration:  0,         // Unlimited by default
		ChunkSize:    64 * 1024, // 64KB chunks
	}
}

// TimeoutWriter wraps an http.ResponseWriter with timeout protection and
// flushes after every write.
type TimeoutWriter struct {
	w            http.ResponseWriter
	parent       context.Context
	ctx          context.Context
	cancel       context.CancelCauseFunc
	config       TimeoutWriterConfig
	startTime    time.Time
	lastWrite    time.Time
	bytesWritten int64
	mu           sync.Mutex
	closed       bool
	flusher      http.Flusher
}

// NewTimeoutWriter creates a new timeout-protected writer
func NewTimeoutWriter(ctx context.Context, w http.ResponseWriter, config TimeoutWriterConfig) *TimeoutWriter {
	writerCtx, cancel := context.WithCancelCause(ctx)

	tw := &TimeoutWriter{
		w:         w,
		parent:    ctx,
		ctx:       writerCtx,
		cancel:    cancel,
		config:    config,
		startTime: time.Now(),
		lastWrite: time.Now(),
	}

	if flusher, ok := w.(http.Flusher); ok {
		tw.flusher = flusher
	}

	go tw.idleChecker()

	return tw
}

// Context returns a context that ends when the writer gives up. Sources
// that block, such as a live production, should read with it.
func (tw *TimeoutWriter) Context() context.Context {
	return tw.ctx
}

// Write implements io.Writer with timeout protection
func (tw *TimeoutWriter) Write(p []byte) (n int, err error) {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		return 0, ErrStreamCanceled
	}
	tw.mu.Unlock()

	if err := tw.err(); err != nil {
		return 0, err
	}

	if tw.config.MaxDuration > 0 && time.Since(tw.startTime) > tw.config.MaxDuration {
		tw.cancel(ErrWriteTimeout)
		return 0, ErrWriteTimeout
	}

	chunkSize := tw.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(p)
	}

	for len(p) > 0 {
		size := min(chunkSize, len(p))
		written, err := tw.writeWithTimeout(p[:size])
		n += written
		if err != nil {
			return n, err
		}
		p = p[size:]
	}
	return n, nil
}

// writeWithTimeout performs a single write with timeout, then flushes.
func (tw *TimeoutWriter) writeWithTimeout(p []byte) (int, error) {
	type writeResult struct {
		n   int
		err error
	}
	resultCh := make(chan writeResult, 1)

	// http.ResponseWriter has no deadline of its own
	go func() {
		n, err := tw.w.Write(p)
		if err == nil && tw.flusher != nil {
			tw.flusher.Flush()
		}
		resultCh <- writeResult{n, err}
	}()

	timer := time.NewTimer(tw.writeTimeout())
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err == nil {
			tw.mu.Lock()
			tw.lastWrite = time.Now()
			tw.bytesWritten += int64(result.n)
			tw.mu.Unlock()

			if tw.config.OnWrite != nil {
				tw.config.OnWrite(result.n)
			}
		}
		return result.n, result.err

	case <-timer.C:
		tw.cancel(ErrWriteTimeout)
		return 0, ErrWriteTimeout

	case <-tw.ctx.Done():
		return 0, tw.err()
	}
}

func (tw *TimeoutWriter) writeTimeout() time.Duration {
	if tw.config.WriteTimeout > 0 {
		return tw.config.WriteTimeout
	}
	return DefaultTimeoutWriterConfig().WriteTimeout
}

// idleChecker cancels the stream when nothing has been written for
// IdleTimeout.
func (tw *TimeoutWriter) idleChecker() {
	if tw.config.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(tw.config.IdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tw.mu.Lock()
			idle := time.Since(tw.lastWrite)
			closed := tw.closed
			tw.mu.Unlock()

			if closed {
				return
			}

			if idle > tw.config.IdleTimeout {
				logging.Warn("Stream idle timeout exceeded: %v", idle)
				tw.cancel(ErrIdleTimeout)
				return
			}

		case <-tw.ctx.Done():
			return
		}
	}
}

// err maps the writer's context state to a sentinel error, or nil while
// the stream is still live.
func (tw *TimeoutWriter) err() error {
	if tw.ctx.Err() == nil {
		return nil
	}
	if tw.parent.Err() != nil {
		return ErrClientGone
	}
	cause := context.Cause(tw.ctx)
	switch {
	case errors.Is(cause, ErrWriteTimeout), errors.Is(cause, ErrIdleTimeout):
		return cause
	default:
		return ErrStreamCanceled
	}
}

// Close marks the writer as closed
func (tw *TimeoutWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return nil
	}

	tw.closed = true
	tw.cancel(ErrStreamCanceled)

	return nil
}

// Stats returns streaming statistics
func (tw *TimeoutWriter) Stats() (bytesWritten int64, duration time.Duration) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten, time.Since(tw.startTime)
}

// StreamLive copies src to w chunk by chunk, flushing each chunk as soon as
// it is read. Headers must already be set. It returns the number of bytes
// written. A failure reading src is returned wrapped in ErrSourceFailed; a
// failure writing to the listener is returned as one of the writer
// sentinels.
func StreamLive(ctx context.Context, w http.ResponseWriter, src io.Reader, config TimeoutWriterConfig) (int64, error) {
	tw := NewTimeoutWriter(ctx, w, config)
	defer func() {
		if err := tw.Close(); err != nil {
			logging.Warn("Failed to close timeout writer: %v", err)
		}
	}()

	size := config.ChunkSize
	if size <= 0 {
		size = DefaultTimeoutWriterConfig().ChunkSize
	}
	buf := make([]byte, size)

	var err error
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := tw.Write(buf[:n]); werr != nil {
				err = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if werr := tw.err(); werr != nil {
				err = werr
			} else {
				err = fmt.Errorf("%w: %w", ErrSourceFailed, rerr)
			}
			break
		}
	}

	bytesWritten, duration := tw.Stats()
	logging.Debug("Stream finished: %d bytes in %v (err: %v)", bytesWritten, duration, err)

	return bytesWritten, err
}
