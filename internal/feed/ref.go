package feed

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"
)

// EncodeSourceRef encodes a source URL for use as a path segment.
func EncodeSourceRef(source string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(source))
}

// DecodeSourceRef reverses EncodeSourceRef. A trailing file extension, as
// added to playback URLs for players that sniff it, is ignored.
func DecodeSourceRef(ref string) (string, error) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty source reference", fingerprint.ErrInvalidInput)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(ref, "="))
	if err != nil {
		return "", fmt.Errorf("%w: source reference: %v", fingerprint.ErrInvalidInput, err)
	}
	return string(raw), nil
}

// EncodeParams returns the query parameters describing p. Every field is
// written, zeros included, so the URL does not depend on service defaults.
func EncodeParams(p fingerprint.Params) url.Values {
	q := url.Values{}
	q.Set("codec", string(p.Codec))
	q.Set("bitrate", strconv.Itoa(p.BitrateKbps))
	q.Set("rate", strconv.Itoa(p.SampleRateHz))
	q.Set("channels", strconv.Itoa(p.Channels))
	return q
}

// DecodeParams reads params from a query, taking absent values from
// defaults, and normalizes the result. A query naming a codec selects that
// codec's own sample rate and channel layout unless it also gives them.
func DecodeParams(q url.Values, defaults fingerprint.Params) (fingerprint.Params, error) {
	p := defaults
	if v := q.Get("codec"); v != "" {
		p.Codec = mediatypes.Codec(v)
		p.SampleRateHz = 0
		p.Channels = 0
	}
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"bitrate", &p.BitrateKbps},
		{"rate", &p.SampleRateHz},
		{"channels", &p.Channels},
	} {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: %s=%q is not a number", fingerprint.ErrInvalidInput, f.key, v)
		}
		*f.dst = n
	}

	return p.Normalize()
}
