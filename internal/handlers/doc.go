// Package handlers provides the HTTP handlers of the transcoding service.
//
// It includes handlers for:
//   - Rewritten feeds (GET /feed/{id})
//   - Playback of transcoded enclosures (GET|HEAD /play/{fingerprint}/{ref})
//   - The admin API for the feed registry, the artifact cache and jobs
//   - Health checks and version information
package handlers
