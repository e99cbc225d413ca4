// Package main provides the feed-transcoder command.
//
// feed-transcoder republishes podcast feeds with every enclosure pointed at
// itself. When a listener plays an episode the enclosure is transcoded on
// demand to the feed's target codec and bitrate, streamed to the listener
// while it is produced, and stored so later plays are served from the
// cache. Concurrent plays of the same episode share one transcode.
//
// # Commands
//
//	feed-transcoder serve                  run the HTTP server
//	feed-transcoder fingerprint <url>      print the cache key and play URL
//	feed-transcoder feeds add|list|remove  manage the feed registry
//	feed-transcoder feeds import|export    OPML subscription lists
//	feed-transcoder cache stats|list|evict|rm
//	feed-transcoder config sample|check
//	feed-transcoder version
//
// All commands accept --config (or CONFIG_FILE) naming a TOML file; every
// option can also be set through the environment, which wins over the
// file. Cache commands talk to Redis directly and refuse to run against
// the in-memory backend, which only exists inside a serve process.
//
// # Server Lifecycle
//
// serve initializes in this order:
//
//  1. Memory Configuration: sets GOMEMLIMIT from MEMORY_LIMIT if present
//  2. Configuration Loading: defaults, TOML file, then environment
//  3. Database Initialization: opens the SQLite feed registry
//  4. Artifact Store: connects to Redis (retrying while it comes up) or
//     creates the in-memory store
//  5. Provider: ffmpeg, remote or passthrough, checked but not required
//  6. Coordinator: worker slots, consumer queues and memory admission
//  7. Janitor: scheduled eviction when cache limits are set
//  8. HTTP Server Setup: routes, metrics, access logging and compression
//
// # HTTP Servers
//
//  1. Main Server (default port 8080):
//     - /feed/{id}: rewritten feeds
//     - /play/{fingerprint}/{ref}: cached or live transcoded audio
//     - /api/...: admin API behind HTTP basic auth (ADMIN_PASSWORD_HASH)
//     - /healthz, /livez, /readyz, /version
//
//  2. Metrics Server (default port 9090, optional):
//     - Prometheus metrics endpoint (/metrics)
//     - Liveness endpoint (/health)
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the server:
//
//  1. Stops accepting HTTP requests
//  2. Cancels running transcodes so live streams end
//  3. Stops the janitor, the metrics collector and the metrics server
//  4. Stops the memory monitor and kills leftover ffmpeg processes
//  5. Closes the artifact store and the database
//
// Shutdown is bounded by a 30 second timeout.
//
// # Build Requirements
//
// CGO is required for SQLite. Build information is injected with:
//
//	go build -ldflags "-X feed-transcoder/internal/startup.Version=1.2.0" ./cmd/feed-transcoder
//
// # Related Packages
//
//   - [feed-transcoder/internal/coordinator]: single-production transcode coordination
//   - [feed-transcoder/internal/artifact]: Redis and in-memory artifact stores
//   - [feed-transcoder/internal/feed]: feed fetching and enclosure rewriting
//   - [feed-transcoder/internal/handlers]: HTTP request handlers
//   - [feed-transcoder/internal/provider]: transcoding backends
//   - [feed-transcoder/internal/startup]: configuration and lifecycle logging
package main
