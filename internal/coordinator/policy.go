package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/provider"
)

var (
	// ErrConsumerTooSlow is returned to a consumer that stopped reading while
	// the production was ahead of it. Production and the cache commit are
	// unaffected.
	ErrConsumerTooSlow = errors.New("consumer too slow")

	// ErrShuttingDown is returned for requests made after Shutdown.
	ErrShuttingDown = errors.New("coordinator shutting down")

	errAbandoned = errors.New("all consumers left")
)

// AbandonPolicy decides what happens to a production when every consumer
// and waiter has gone.
type AbandonPolicy int

const (
	// RunToCompletion keeps producing so the artifact is cached.
	RunToCompletion AbandonPolicy = iota
	// CancelWhenAbandoned stops the provider and discards staged data.
	CancelWhenAbandoned
)

func (p AbandonPolicy) String() string {
	if p == CancelWhenAbandoned {
		return "cancel"
	}
	return "run"
}

// ParseAbandonPolicy accepts "run" or "cancel" and their long forms.
func ParseAbandonPolicy(s string) (AbandonPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "run", "run-to-completion":
		return RunToCompletion, nil
	case "cancel", "cancel-when-abandoned":
		return CancelWhenAbandoned, nil
	default:
		return RunToCompletion, fmt.Errorf("unknown abandon policy %q (want run or cancel)", s)
	}
}

// Retryable reports whether a failed request may succeed if repeated later.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, fingerprint.ErrInvalidInput),
		errors.Is(err, provider.ErrUnsupportedFormat),
		errors.Is(err, ErrShuttingDown):
		return false
	case errors.Is(err, artifact.ErrStoreUnavailable),
		errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, provider.ErrSourceFetchFailed),
		errors.Is(err, provider.ErrTranscodeFailed),
		errors.Is(err, ErrConsumerTooSlow),
		errors.Is(err, errAbandoned):
		return true
	default:
		return false
	}
}

// Outcome returns a short label for err, used in logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, provider.ErrTranscodeTimeout):
		return "timeout"
	case errors.Is(err, errAbandoned), errors.Is(err, ErrShuttingDown), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, provider.ErrUnsupportedFormat):
		return "unsupported"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, provider.ErrSourceFetchFailed):
		return "source_failed"
	case errors.Is(err, provider.ErrTranscodeFailed):
		return "transcode_failed"
	case errors.Is(err, artifact.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// Outcomes lists every label Outcome can return, plus "cached" for
// productions that found the artifact already committed.
func Outcomes() []string {
	return []string{"success", "cached", "timeout", "cancelled", "unsupported",
		"provider_unavailable", "source_failed", "transcode_failed", "store_unavailable", "error"}
}
