package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"feed-transcoder/internal/metrics"
	"feed-transcoder/internal/retry"
)

const (
	// DefaultMaxFeedBytes caps the size of an upstream feed document.
	DefaultMaxFeedBytes = 16 << 20

	// DefaultFetchTimeout bounds a single upstream fetch attempt.
	DefaultFetchTimeout = 20 * time.Second
)

var (
	// ErrFetchFailed is returned when the upstream feed could not be
	// downloaded.
	ErrFetchFailed = errors.New("feed fetch failed")

	// ErrFeedTooLarge is returned when the upstream document exceeds the
	// configured size cap.
	ErrFeedTooLarge = errors.New("feed too large")
)

// Fetcher downloads upstream feeds.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	retry     retry.Config
}

// FetcherConfig configures a Fetcher. Zero values select defaults.
type FetcherConfig struct {
	Client    *http.Client
	MaxBytes  int64
	Timeout   time.Duration
	UserAgent string
	Retry     *retry.Config
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxFeedBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	rc := retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	return &Fetcher{
		client:    cfg.Client,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		retry:     rc,
	}
}

// Fetch downloads the feed at url, retrying network errors, 5xx, 408 and
// 429 responses with backoff.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.FeedFetchDuration.Observe(time.Since(start).Seconds())
	}()

	return retry.DoValue(ctx, "feed_fetch", f.retry, func(ctx context.Context) ([]byte, error) {
		return f.fetchOnce(ctx, url)
	})
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.1")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: upstream returned %s", ErrFetchFailed, resp.Status)
		if transientStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}
	if n > f.maxBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: more than %d bytes", ErrFeedTooLarge, f.maxBytes))
	}
	return buf.Bytes(), nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
