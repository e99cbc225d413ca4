package handlers

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"feed-transcoder/internal/database"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/opml"
)

const opmlContentType = "text/x-opml; charset=utf-8"

// ImportResponse reports the outcome of an OPML import.
type ImportResponse struct {
	Title    string         `json:"title"`
	Imported []FeedResponse `json:"imported"`
	Skipped  []string       `json:"skipped"`
	Failed   []ImportError  `json:"failed"`
}

// ImportError is one subscription that could not be registered.
type ImportError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ExportFeeds returns the rewritten feeds as an OPML subscription list.
// GET /api/feeds.opml
func (h *Handlers) ExportFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.db.ListFeeds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	list := &opml.List{Title: "Transcoded feeds"}
	for _, f := range feeds {
		list.Subscriptions = append(list.Subscriptions, opml.Subscription{
			Title: f.Title,
			URL:   h.feedResponse(f).FeedURL,
		})
	}
	list.Count = len(list.Subscriptions)

	var buf bytes.Buffer
	if err := opml.Write(&buf, list, time.Now()); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", opmlContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="feeds.opml"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// ImportFeeds registers every feed in an OPML body that is not registered
// yet. Target params come from the codec, bitrate, sampleRate and channels
// query parameters.
// POST /api/feeds/import
func (h *Handlers) ImportFeeds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var nums [3]int
	for i, key := range []string{"bitrate", "sampleRate", "channels"} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "Invalid "+key, http.StatusBadRequest)
				return
			}
			nums[i] = n
		}
	}
	params, err := h.overrideParams(q.Get("codec"), nums[0], nums[1], nums[2])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := opml.Parse(http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		http.Error(w, "Invalid OPML: "+err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := h.db.ListFeeds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	registered := make(map[string]bool, len(existing))
	for _, f := range existing {
		registered[f.URL] = true
	}

	resp := ImportResponse{
		Title:    list.Title,
		Imported: []FeedResponse{},
		Skipped:  []string{},
		Failed:   []ImportError{},
	}
	for _, sub := range list.Subscriptions {
		if registered[sub.URL] {
			resp.Skipped = append(resp.Skipped, sub.URL)
			continue
		}
		created, err := h.db.CreateFeed(r.Context(), database.Feed{URL: sub.URL, Title: sub.Title, Params: params})
		if err != nil {
			resp.Failed = append(resp.Failed, ImportError{URL: sub.URL, Error: err.Error()})
			continue
		}
		registered[sub.URL] = true
		resp.Imported = append(resp.Imported, h.feedResponse(created))
	}

	logging.Info("OPML import %q: %d registered, %d skipped, %d failed",
		list.Title, len(resp.Imported), len(resp.Skipped), len(resp.Failed))
	writeJSONStatus(w, http.StatusOK, resp)
}
