package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"feed-transcoder/internal/database"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/metrics"

	"github.com/gorilla/mux"
)

// bookkeepingTimeout bounds the registry update after a feed request. It
// runs even when the listener has gone away.
const bookkeepingTimeout = 5 * time.Second

// GetFeed fetches a registered feed upstream and returns it with every
// enclosure pointed at the playback endpoint.
// GET /feed/{id}
func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	f, err := h.db.GetFeed(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFeedNotFound) {
			metrics.FeedRewritesTotal.WithLabelValues("not_found").Inc()
		} else {
			metrics.FeedRewritesTotal.WithLabelValues("error").Inc()
		}
		writeError(w, r, err)
		return
	}

	body, err := h.fetcher.Fetch(ctx, f.URL)
	if err != nil {
		metrics.FeedRewritesTotal.WithLabelValues("error").Inc()
		h.recordFetch(ctx, f.ID, "", err)
		writeError(w, r, err)
		return
	}

	var out bytes.Buffer
	report, err := h.rewriter.RewriteWithBase(bytes.NewReader(body), &out, h.feedParams(f), f.URL)
	if err != nil {
		metrics.FeedRewritesTotal.WithLabelValues("error").Inc()
		h.recordFetch(ctx, f.ID, "", err)
		writeError(w, r, err)
		return
	}

	metrics.FeedRewritesTotal.WithLabelValues("success").Inc()
	metrics.FeedEnclosuresTotal.WithLabelValues("rewritten").Add(float64(report.Rewritten))
	metrics.FeedEnclosuresTotal.WithLabelValues("skipped").Add(float64(len(report.Skipped)))
	for _, s := range report.Skipped {
		logging.Debug("Feed %s: left enclosure untouched: %s", f.ID, s)
	}
	logging.Debug("Feed %s rewritten: %d items, %d/%d enclosures", f.ID, report.Items, report.Rewritten, report.Enclosures)

	h.recordFetch(ctx, f.ID, report.Title, nil)

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(out.Len()))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(out.Bytes()); err != nil {
		logging.Debug("Feed %s: write failed: %v", f.ID, err)
	}
}

// feedParams returns the feed's target params, falling back to the
// service defaults for feeds registered without them.
func (h *Handlers) feedParams(f database.Feed) fingerprint.Params {
	if f.Params.Codec == "" {
		return h.defaults
	}
	p := f.Params
	if p.BitrateKbps == 0 {
		p.BitrateKbps = h.defaults.BitrateKbps
	}
	return p
}

func (h *Handlers) recordFetch(ctx context.Context, id, title string, fetchErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err := h.db.RecordFetch(ctx, id, title, time.Now(), fetchErr); err != nil {
		logging.Warn("Failed to record fetch of feed %s: %v", id, err)
	}
}
