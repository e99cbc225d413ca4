package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/database"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/janitor"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/metrics"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AdminUser is the basic-auth username of the admin API.
	AdminUser = "admin"

	adminRealm          = `Basic realm="feed-transcoder", charset="UTF-8"`
	defaultArtifactList = 100
	maxArtifactList     = 1000
	maxRequestBody      = 64 << 10
	maxImportBody       = 4 << 20
)

// FeedRequest registers a feed. Params left empty use the service
// defaults.
type FeedRequest struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Codec      string `json:"codec"`
	Bitrate    int    `json:"bitrate"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// FeedResponse is a registered feed with its public address.
type FeedResponse struct {
	database.Feed
	FeedURL string `json:"feedUrl"`
}

// CacheStatsResponse describes the artifact cache.
type CacheStatsResponse struct {
	Store      artifact.Stats `json:"store"`
	Janitor    janitor.Status `json:"janitor"`
	ActiveJobs int            `json:"activeJobs"`
}

// AdminMiddleware protects the admin API with HTTP basic auth against the
// configured bcrypt hash. Without a hash the API does not exist.
func (h *Handlers) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.adminHash) == 0 {
			metrics.AuthAttemptsTotal.WithLabelValues("disabled").Inc()
			http.NotFound(w, r)
			return
		}

		user, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", adminRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(AdminUser)) == 1
		passwordOK := bcrypt.CompareHashAndPassword(h.adminHash, []byte(password)) == nil
		if !userOK || !passwordOK {
			logging.Warn("Failed admin login from %s", r.RemoteAddr)
			metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
			w.Header().Set("WWW-Authenticate", adminRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		next.ServeHTTP(w, r)
	})
}

// ListFeeds returns every registered feed.
// GET /api/feeds
func (h *Handlers) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.db.ListFeeds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]FeedResponse, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, h.feedResponse(f))
	}
	writeJSONStatus(w, http.StatusOK, out)
}

// CreateFeed registers a feed.
// POST /api/feeds
func (h *Handlers) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	params, err := h.overrideParams(req.Codec, req.Bitrate, req.SampleRate, req.Channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.db.CreateFeed(r.Context(), database.Feed{
		ID:     strings.TrimSpace(req.ID),
		URL:    strings.TrimSpace(req.URL),
		Title:  strings.TrimSpace(req.Title),
		Params: params,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Info("Feed %s registered: %s (%s %dk)", created.ID, created.URL, created.Params.Codec, created.Params.BitrateKbps)
	writeJSONStatus(w, http.StatusCreated, h.feedResponse(created))
}

// DeleteFeed removes a feed from the registry. Its artifacts stay cached
// until evicted.
// DELETE /api/feeds/{id}
func (h *Handlers) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.db.DeleteFeed(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info("Feed %s removed", id)
	w.WriteHeader(http.StatusNoContent)
}

// overrideParams applies per-feed overrides to the service defaults. A codec
// override drops the default sample rate and layout.
func (h *Handlers) overrideParams(codecName string, bitrate, sampleRate, channels int) (fingerprint.Params, error) {
	params := h.defaults
	if codecName != "" {
		codec, ok := mediatypes.ParseCodec(codecName)
		if !ok {
			return fingerprint.Params{}, fmt.Errorf("unknown codec %q", codecName)
		}
		params = fingerprint.Params{Codec: codec, BitrateKbps: h.defaults.BitrateKbps}
	}
	if bitrate != 0 {
		params.BitrateKbps = bitrate
	}
	if sampleRate != 0 {
		params.SampleRateHz = sampleRate
	}
	if channels != 0 {
		params.Channels = channels
	}
	return params, nil
}

func (h *Handlers) feedResponse(f database.Feed) FeedResponse {
	return FeedResponse{Feed: f, FeedURL: h.publicBaseURL + "/feed/" + f.ID}
}

// CacheStats describes the artifact store and the janitor.
// GET /api/cache/stats
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("stats").Inc()
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, CacheStatsResponse{
		Store:      stats,
		Janitor:    h.janitor.GetStatus(),
		ActiveJobs: len(h.coord.Active()),
	})
}

// ListArtifacts lists stored artifacts, most recent first.
// GET /api/cache/artifacts?limit=N
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := defaultArtifactList
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxArtifactList)
	}

	list, err := h.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []artifact.Meta{}
	}
	writeJSONStatus(w, http.StatusOK, list)
}

// EvictCache runs an eviction pass now.
// POST /api/cache/evict
func (h *Handlers) EvictCache(w http.ResponseWriter, r *http.Request) {
	result, err := h.janitor.Run(r.Context(), janitor.TriggerManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Evicted == nil {
		result.Evicted = []fingerprint.Fingerprint{}
	}
	writeJSONStatus(w, http.StatusOK, result)
}

// DeleteArtifact removes one artifact from the cache.
// DELETE /api/cache/{fingerprint}
func (h *Handlers) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(mux.Vars(r)["fingerprint"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.store.Delete(r.Context(), fp); err != nil {
		if !errors.Is(err, artifact.ErrNotFound) && !errors.Is(err, artifact.ErrInUse) {
			metrics.StoreErrorsTotal.WithLabelValues("delete").Inc()
		}
		writeError(w, r, err)
		return
	}
	logging.Info("Artifact %s deleted", fp.Short())
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs lists in-flight productions.
// GET /api/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := h.coord.Active()
	if jobs == nil {
		jobs = []coordinator.JobInfo{}
	}
	writeJSONStatus(w, http.StatusOK, jobs)
}
