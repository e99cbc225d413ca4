// Package provider implements the transcoding backends.
//
// A Provider turns a source audio stream into the target format and exposes
// the result as an io.ReadCloser, so output is produced only as fast as the
// caller reads it. The variants are a closed set selected by configuration:
//
//   - FFmpeg runs an ffmpeg subprocess with the source on stdin.
//   - Remote posts the source to an HTTP transcoding service.
//   - Passthrough returns the source unchanged.
//
// HTTPSource opens the enclosure URLs that feed a provider.
//
// Failures are reported with ErrProviderUnavailable, ErrUnsupportedFormat,
// ErrSourceFetchFailed, ErrTranscodeFailed and ErrTranscodeTimeout.
package provider
