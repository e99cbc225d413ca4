package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"feed-transcoder/internal/retry"
)

func testFetcher(maxBytes int64) *Fetcher {
	return NewFetcher(FetcherConfig{
		MaxBytes:  maxBytes,
		UserAgent: "feed-transcoder-test",
		Retry: &retry.Config{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})
}

func TestFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("User-Agent"); got != "feed-transcoder-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFeed))
	}))
	defer srv.Close()

	body, err := testFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != rssFeed {
		t.Error("Fetch returned a different body")
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times", calls.Load())
	}
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers from 503", []int{503, 200}, 2, false},
		{"recovers from 429", []int{429, 429, 200}, 3, false},
		{"gives up on persistent 500", []int{500, 500, 500, 500}, 3, true},
		{"404 is permanent", []int{404, 200}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[min(int(n), len(tt.statuses))-1]
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(rssFeed))
				}
			}))
			defer srv.Close()

			_, err := testFetcher(0).Fetch(context.Background(), srv.URL)
			if (err != nil) != tt.wantErr {
				t.Errorf("Fetch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrFetchFailed) {
				t.Errorf("Fetch() error = %v, want ErrFetchFailed", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("upstream called %d times, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestFetchSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	if _, err := testFetcher(1024).Fetch(context.Background(), srv.URL); !errors.Is(err, ErrFeedTooLarge) {
		t.Errorf("Fetch() error = %v, want ErrFeedTooLarge", err)
	}
	if _, err := testFetcher(2048).Fetch(context.Background(), srv.URL); err != nil {
		t.Errorf("Fetch() at exactly the cap = %v", err)
	}
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	if _, err := testFetcher(0).Fetch(context.Background(), addr); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("Fetch() error = %v, want ErrFetchFailed", err)
	}
}
