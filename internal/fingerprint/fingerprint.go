package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"feed-transcoder/internal/mediatypes"
)

// ErrInvalidInput is returned when a source or parameter set cannot be
// canonicalized, or when a fingerprint string is malformed.
var ErrInvalidInput = errors.New("invalid input")

// schemaVersion is mixed into every digest so a future change to the
// canonical form produces a disjoint key space.
const schemaVersion = "v1"

// Fingerprint is the hex-encoded SHA-256 cache key of a (source, params) pair.
type Fingerprint string

// Params are the target transcode parameters. Zero SampleRateHz and Channels
// mean "keep the source value".
type Params struct {
	Codec        mediatypes.Codec `json:"codec"`
	BitrateKbps  int              `json:"bitrateKbps"`
	SampleRateHz int              `json:"sampleRateHz,omitempty"`
	Channels     int              `json:"channels,omitempty"`
}

// Normalize lowercases the codec and validates numeric ranges.
func (p Params) Normalize() (Params, error) {
	p.Codec = mediatypes.Codec(strings.ToLower(strings.TrimSpace(string(p.Codec))))
	if p.Codec == "" {
		return p, fmt.Errorf("%w: codec is required", ErrInvalidInput)
	}
	for _, r := range string(p.Codec) {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return p, fmt.Errorf("%w: codec %q contains invalid characters", ErrInvalidInput, p.Codec)
		}
	}
	if p.BitrateKbps < 0 || p.BitrateKbps > 3200 {
		return p, fmt.Errorf("%w: bitrate %d kbps out of range", ErrInvalidInput, p.BitrateKbps)
	}
	if p.SampleRateHz < 0 || p.SampleRateHz > 384000 {
		return p, fmt.Errorf("%w: sample rate %d out of range", ErrInvalidInput, p.SampleRateHz)
	}
	if p.Channels < 0 || p.Channels > 8 {
		return p, fmt.Errorf("%w: channel count %d out of range", ErrInvalidInput, p.Channels)
	}
	return p, nil
}

// Canonicalize returns the normal form of an http(s) source URL: lowercase
// scheme and host, default port removed, dot segments resolved, query sorted
// by key and value, fragment dropped.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty source", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse source: %v", ErrInvalidInput, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: source has no host", ErrInvalidInput)
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}

	out := url.URL{
		Scheme:   scheme,
		User:     u.User,
		Host:     host,
		Path:     cleaned,
		RawQuery: canonicalQuery(u.Query()),
	}
	return out.String(), nil
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Compute derives the fingerprint for a source under the given params.
func Compute(source string, p Params) (Fingerprint, error) {
	canonical, err := Canonicalize(source)
	if err != nil {
		return "", err
	}
	return ComputeCanonical(canonical, p)
}

// ComputeCanonical is Compute for a source that is already canonical.
func ComputeCanonical(canonical string, p Params) (Fingerprint, error) {
	p, err := p.Normalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(serialize(canonical, p)))
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// serialize renders the hash input. Field values never contain newlines:
// the canonical URL is escaped and params are validated.
func serialize(canonical string, p Params) string {
	var b strings.Builder
	b.WriteString(schemaVersion)
	b.WriteString("\nsource=")
	b.WriteString(canonical)
	b.WriteString("\ncodec=")
	b.WriteString(string(p.Codec))
	b.WriteString("\nbitrate=")
	b.WriteString(strconv.Itoa(p.BitrateKbps))
	b.WriteString("\nrate=")
	b.WriteString(strconv.Itoa(p.SampleRateHz))
	b.WriteString("\nchannels=")
	b.WriteString(strconv.Itoa(p.Channels))
	return b.String()
}

// Parse validates a fingerprint received from a client.
func Parse(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("%w: fingerprint must be %d hex characters", ErrInvalidInput, sha256.Size*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: fingerprint is not hex", ErrInvalidInput)
	}
	return Fingerprint(s), nil
}

// String returns the fingerprint as a string.
func (f Fingerprint) String() string {
	return string(f)
}

// Short returns an abbreviated form for log lines.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}
