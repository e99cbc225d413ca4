package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/feed"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/metrics"
	"feed-transcoder/internal/provider"
	"feed-transcoder/internal/startup"
	"feed-transcoder/internal/streaming"

	"github.com/gorilla/mux"
)

// Play serves the transcoded form of an enclosure. A cached artifact is
// served with full Range and conditional request support; otherwise the
// listener is attached to the live production for the fingerprint.
// GET|HEAD /play/{fingerprint}/{ref}
func (h *Handlers) Play(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := h.playRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.Header.Get("Range") != "" || r.Method == http.MethodHead {
		exists, err := h.store.Exists(ctx, req.Fingerprint)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !exists {
			if r.Method == http.MethodHead {
				// Do not start a production just to answer HEAD
				w.Header().Set("Content-Type", mediatypes.ContentType(req.Params.Codec))
				w.Header().Set("X-Cache", "MISS")
				w.Header().Set("Accept-Ranges", "none")
				w.WriteHeader(http.StatusOK)
				return
			}
			// A range from the first byte gets the whole live stream.
			if !rangeFromStart(r.Header.Get("Range")) && !h.awaitRange(w, r, req) {
				return
			}
		}
	}

	stream, err := h.coord.Request(ctx, req)
	if err != nil {
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "error").Inc()
		writeError(w, r, err)
		return
	}
	defer stream.Close()

	if reader, ok := stream.Artifact(); ok {
		meta := reader.Meta()
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("ETag", fmt.Sprintf("%q", meta.Fingerprint.String()))

		cw := &countingWriter{ResponseWriter: w}
		http.ServeContent(cw, r, meta.Fingerprint.String()+mediatypes.Extension(req.Params.Codec), meta.CreatedAt, reader)
		metrics.PlaybackRequestsTotal.WithLabelValues("cached", "success").Inc()
		metrics.PlaybackBytesTotal.WithLabelValues("cached").Add(float64(cw.n))
		return
	}

	// Hold the headers until the production delivers, so a failure to
	// start is reported with a proper status.
	first, err := readFirst(stream, h.streamConfig.ChunkSize)
	if err != nil {
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "error").Inc()
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", stream.ContentType())
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)

	config := h.streamConfig
	config.OnWrite = func(n int) {
		metrics.PlaybackBytesTotal.WithLabelValues("live").Add(float64(n))
	}
	written, err := streaming.StreamLive(ctx, w, io.MultiReader(bytes.NewReader(first), stream), config)
	switch {
	case err == nil:
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "success").Inc()
		logging.Debug("Served %s live: %d bytes", req.Fingerprint.Short(), written)
	case errors.Is(err, streaming.ErrClientGone):
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "success").Inc()
		logging.Debug("Listener left %s after %d bytes", req.Fingerprint.Short(), written)
	case errors.Is(err, streaming.ErrSourceFailed):
		// Headers are sent; the truncated chunked body tells the player.
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "error").Inc()
		logging.Warn("Production of %s failed after %d bytes: %v", req.Fingerprint.Short(), written, err)
	default:
		metrics.PlaybackRequestsTotal.WithLabelValues("live", "error").Inc()
		logging.Warn("Streaming %s to %s stopped after %d bytes: %v", req.Fingerprint.Short(), r.RemoteAddr, written, err)
	}
}

// playRequest decodes and verifies the playback URL. The fingerprint must
// match the one recomputed from the source and params, so a URL cannot
// name an artifact for a different source.
func (h *Handlers) playRequest(r *http.Request) (coordinator.Request, error) {
	vars := mux.Vars(r)

	fp, err := fingerprint.Parse(vars["fingerprint"])
	if err != nil {
		return coordinator.Request{}, err
	}
	source, err := feed.DecodeSourceRef(vars["ref"])
	if err != nil {
		return coordinator.Request{}, err
	}
	canonical, err := fingerprint.Canonicalize(source)
	if err != nil {
		return coordinator.Request{}, err
	}
	params, err := feed.DecodeParams(r.URL.Query(), h.defaults)
	if err != nil {
		return coordinator.Request{}, err
	}
	if _, ok := mediatypes.Lookup(params.Codec); !ok {
		return coordinator.Request{}, fmt.Errorf("%w: codec %q", provider.ErrUnsupportedFormat, params.Codec)
	}

	want, err := fingerprint.ComputeCanonical(canonical, params)
	if err != nil {
		return coordinator.Request{}, err
	}
	if want != fp {
		return coordinator.Request{}, fmt.Errorf("%w: fingerprint does not match source and params", fingerprint.ErrInvalidInput)
	}

	return coordinator.Request{Fingerprint: fp, Source: canonical, Params: params}, nil
}

// awaitRange applies the range policy to a byte-range request for an
// artifact that is not stored yet. It reports whether the request may
// proceed. A rejected request still starts the production, so a retry
// finds the artifact stored.
func (h *Handlers) awaitRange(w http.ResponseWriter, r *http.Request, req coordinator.Request) bool {
	if h.rangePolicy != startup.RangePolicyBlock {
		if err := h.coord.Start(r.Context(), req); err != nil {
			metrics.PlaybackRequestsTotal.WithLabelValues("range_rejected", "error").Inc()
			writeError(w, r, err)
			return false
		}
		metrics.PlaybackRequestsTotal.WithLabelValues("range_rejected", "success").Inc()
		writeError(w, r, fmt.Errorf("%w: %s is still being produced", ErrRangeNotYetAvailable, req.Fingerprint.Short()))
		return false
	}

	if _, err := h.coord.Await(r.Context(), req); err != nil {
		metrics.PlaybackRequestsTotal.WithLabelValues("range_blocked", "error").Inc()
		writeError(w, r, err)
		return false
	}
	metrics.PlaybackRequestsTotal.WithLabelValues("range_blocked", "success").Inc()
	return true
}

// rangeFromStart reports whether a Range header asks for everything from
// the first byte on.
func rangeFromStart(header string) bool {
	unit, ranges, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return false
	}
	return strings.TrimSpace(ranges) == "0-"
}

// readFirst blocks until src yields data or fails. End of stream before
// any data is not an error.
func readFirst(src io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		size = streaming.DefaultTimeoutWriterConfig().ChunkSize
	}
	buf := make([]byte, size)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// countingWriter counts body bytes written through it.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}
