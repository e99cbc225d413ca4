// Package middleware provides HTTP middleware for the transcoding service.
//
// It includes:
//   - Request logging in W3C Extended Log Format, with the Range header and
//     cache status of playback requests
//   - Prometheus request metrics labeled by route template
//   - Gzip compression for feed and API responses
package middleware
