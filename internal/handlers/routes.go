package handlers

import "github.com/gorilla/mux"

// RegisterRoutes adds every endpoint to r. Route names and templates feed
// the startup route log and the HTTP metrics labels.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	// Health and version
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET").Name("healthz")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD").Name("livez")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET").Name("readyz")
	r.HandleFunc("/version", h.GetVersion).Methods("GET").Name("version")

	// Listener surface
	r.HandleFunc("/feed/{id}", h.GetFeed).Methods("GET", "HEAD").Name("feed")
	r.HandleFunc("/play/{fingerprint}/{ref}", h.Play).Methods("GET", "HEAD").Name("play")

	// Admin API
	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.AdminMiddleware)
	api.HandleFunc("/feeds", h.ListFeeds).Methods("GET")
	api.HandleFunc("/feeds", h.CreateFeed).Methods("POST")
	api.HandleFunc("/feeds.opml", h.ExportFeeds).Methods("GET")
	api.HandleFunc("/feeds/import", h.ImportFeeds).Methods("POST")
	api.HandleFunc("/feeds/{id}", h.DeleteFeed).Methods("DELETE")
	api.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")
	api.HandleFunc("/cache/artifacts", h.ListArtifacts).Methods("GET")
	api.HandleFunc("/cache/evict", h.EvictCache).Methods("POST")
	api.HandleFunc("/cache/{fingerprint}", h.DeleteArtifact).Methods("DELETE")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
}
