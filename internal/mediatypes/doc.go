// Package mediatypes defines the audio codecs the transcoder can produce and
// the content types, file extensions and ffmpeg encoder settings that go with
// them.
package mediatypes
