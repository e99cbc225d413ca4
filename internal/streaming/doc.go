/*
Package streaming writes live audio to HTTP listeners with timeout
protection.

A production can outlive any single listener, and a listener can stall
without closing its connection. TimeoutWriter wraps an http.ResponseWriter
so that every write is bounded by WriteTimeout, a stream with no progress
for IdleTimeout is ended, and the request context ending is reported as
ErrClientGone. Each write is flushed immediately so listeners start playing
before the production finishes.

# Usage

StreamLive is the common entry point for a live production:

	stream, err := coord.Request(r.Context(), req)
	if err != nil {
		// map to an HTTP status
	}
	defer stream.Close()

	w.Header().Set("Content-Type", stream.ContentType())
	w.WriteHeader(http.StatusOK)

	n, err := streaming.StreamLive(r.Context(), w, stream, streaming.DefaultTimeoutWriterConfig())
	switch {
	case errors.Is(err, streaming.ErrClientGone):
		// listener left; the production continues for others
	case errors.Is(err, streaming.ErrSourceFailed):
		// production failed after headers were sent
	}

# Errors

ErrWriteTimeout, ErrIdleTimeout, ErrClientGone and ErrStreamCanceled
describe the listener side. ErrSourceFailed wraps the error read from the
source, so callers can match both it and the underlying cause with
errors.Is.

# Thread Safety

TimeoutWriter is safe for concurrent use, though a stream normally has a
single writer. The idle checker runs in its own goroutine and exits when the
writer is closed.
*/
package streaming
