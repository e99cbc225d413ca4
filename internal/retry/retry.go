package retry

import (
	"context"
	"errors"
	"time"

	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/metrics"
)

// Config configures retry behavior for an operation
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Retryable decides whether an error is worth another attempt. When nil
	// every error except context cancellation is retried.
	Retryable func(error) bool
}

// DefaultConfig returns defaults suited to upstream HTTP fetches
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

// Permanent marks err as not worth retrying regardless of Config.Retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c Config) shouldRetry(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, or
// MaxRetries retries have been spent. op labels logs and metrics.
func Do(ctx context.Context, op string, config Config, fn func(context.Context) error) error {
	_, err := DoValue(ctx, op, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, op string, config Config, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		metrics.RetryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var zero T
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logging.Info("%s succeeded on retry %d", op, attempt)
				metrics.RetrySuccessTotal.WithLabelValues(op).Inc()
			}
			return v, nil
		}

		lastErr = err
		if !config.shouldRetry(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt < config.MaxRetries {
			metrics.RetryAttemptsTotal.WithLabelValues(op).Inc()
			logging.Debug("%s failed, retrying in %v (attempt %d/%d): %v",
				op, backoff, attempt+1, config.MaxRetries, err)

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Join(lastErr, ctx.Err())
			}

			backoff *= 2
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	logging.Warn("%s failed after %d retries: %v", op, config.MaxRetries, lastErr)
	metrics.RetryFailuresTotal.WithLabelValues(op).Inc()
	return zero, lastErr
}
