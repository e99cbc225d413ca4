package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/database"
	"feed-transcoder/internal/feed"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/janitor"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/provider"
)

// ErrRangeNotYetAvailable is returned for a byte-range request against an
// artifact that is still being produced when the range policy is reject.
var ErrRangeNotYetAvailable = errors.New("range not yet available")

// retryAfter is the Retry-After value, in seconds, sent with 503 responses.
const retryAfter = 5

// statusForError maps a handler error to an HTTP status code.
func statusForError(err error) int {
	switch {
	case errors.Is(err, fingerprint.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, database.ErrFeedNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrFeedExists), errors.Is(err, artifact.ErrInUse),
		errors.Is(err, janitor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, provider.ErrSourceFetchFailed), errors.Is(err, provider.ErrTranscodeFailed),
		errors.Is(err, feed.ErrFetchFailed), errors.Is(err, feed.ErrFeedTooLarge),
		errors.Is(err, feed.ErrMalformedFeed):
		return http.StatusBadGateway
	case errors.Is(err, provider.ErrProviderUnavailable), errors.Is(err, artifact.ErrStoreUnavailable),
		errors.Is(err, ErrRangeNotYetAvailable), errors.Is(err, coordinator.ErrShuttingDown),
		errors.Is(err, coordinator.ErrConsumerTooSlow):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a plain-text error response. Server-side
// failures are logged; 503 responses carry Retry-After.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
		logging.Debug("%s %s: client went away: %v", r.Method, r.URL.Path, err)
		return
	}

	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logging.Error("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logging.Debug("%s %s: %v", r.Method, r.URL.Path, err)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}
