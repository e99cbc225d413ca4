package mediatypes

import "strings"

// Codec names a target audio codec.
type Codec string

const (
	// CodecMP3 is MPEG-1 Layer III audio.
	CodecMP3 Codec = "mp3"
	// CodecAAC is AAC audio in an ADTS stream.
	CodecAAC Codec = "aac"
	// CodecOpus is Opus audio in an Ogg container.
	CodecOpus Codec = "opus"
	// CodecVorbis is Vorbis audio in an Ogg container.
	CodecVorbis Codec = "vorbis"
)

// Format describes how a codec is encoded and served.
type Format struct {
	Codec       Codec
	ContentType string
	Extension   string // including the leading dot
	Encoder     string // ffmpeg -c:a value
	Container   string // ffmpeg -f value
}

// Formats maps each supported codec to its encoding details.
var Formats = map[Codec]Format{
	CodecMP3: {
		Codec:       CodecMP3,
		ContentType: "audio/mpeg",
		Extension:   ".mp3",
		Encoder:     "libmp3lame",
		Container:   "mp3",
	},
	CodecAAC: {
		Codec:       CodecAAC,
		ContentType: "audio/aac",
		Extension:   ".aac",
		Encoder:     "aac",
		Container:   "adts",
	},
	CodecOpus: {
		Codec:       CodecOpus,
		ContentType: "audio/ogg; codecs=opus",
		Extension:   ".opus",
		Encoder:     "libopus",
		Container:   "ogg",
	},
	CodecVorbis: {
		Codec:       CodecVorbis,
		ContentType: "audio/ogg; codecs=vorbis",
		Extension:   ".ogg",
		Encoder:     "libvorbis",
		Container:   "ogg",
	},
}

// AudioExtensions maps source file extensions to their MIME types. Used to
// label passthrough artifacts whose codec is unknown.
var AudioExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg; codecs=opus",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// ParseCodec normalizes a codec name. Unknown names report ok=false.
func ParseCodec(name string) (Codec, bool) {
	c := Codec(strings.ToLower(strings.TrimSpace(name)))
	_, ok := Formats[c]
	return c, ok
}

// Lookup returns the Format for a codec.
func Lookup(c Codec) (Format, bool) {
	f, ok := Formats[c]
	return f, ok
}

// ContentType returns the MIME type served for a codec.
// Returns "application/octet-stream" if the codec is not recognized.
func ContentType(c Codec) string {
	if f, ok := Formats[c]; ok {
		return f.ContentType
	}
	return "application/octet-stream"
}

// Extension returns the file extension for a codec, or "" when unknown.
func Extension(c Codec) string {
	return Formats[c].Extension
}

// MimeForExtension returns the MIME type for a source file extension.
// The extension should include the leading dot (e.g., ".mp3").
func MimeForExtension(ext string) string {
	if mime, ok := AudioExtensions[strings.ToLower(ext)]; ok {
		return mime
	}
	return "application/octet-stream"
}
