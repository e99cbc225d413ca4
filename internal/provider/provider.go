package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"feed-transcoder/internal/fingerprint"
)

var (
	// ErrProviderUnavailable means the backend is down or missing. Retryable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUnsupportedFormat is fatal for the fingerprint and is not retried.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrSourceFetchFailed means the upstream enclosure could not be read. Retryable.
	ErrSourceFetchFailed = errors.New("source fetch failed")

	// ErrTranscodeFailed is a decode or encode failure. Partial output must
	// not be cached.
	ErrTranscodeFailed = errors.New("transcode failed")

	// ErrTranscodeTimeout is the ErrTranscodeFailed variant for an
	// invocation that exceeded its maximum duration.
	ErrTranscodeTimeout = fmt.Errorf("%w: deadline exceeded", ErrTranscodeFailed)
)

// Provider transcodes a source stream into the target format. Output is
// pull-based: bytes are produced as the caller reads, and a caller that
// stops reading stops the provider from consuming more source.
type Provider interface {
	Name() string
	Transcode(ctx context.Context, src io.Reader, p fingerprint.Params) (io.ReadCloser, error)
}

// Kind names a provider variant.
type Kind string

const (
	KindFFmpeg      Kind = "ffmpeg"
	KindPassthrough Kind = "passthrough"
	KindRemote      Kind = "remote"
)

// ParseKind validates a provider name from configuration.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindFFmpeg, KindPassthrough, KindRemote:
		return k, nil
	default:
		return "", fmt.Errorf("unknown provider %q (want ffmpeg, passthrough or remote)", name)
	}
}

// Config selects and configures a provider.
type Config struct {
	Kind       Kind
	FFmpegPath string
	RemoteURL  string
	HTTPClient *http.Client
}

// New builds the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case KindFFmpeg, "":
		return NewFFmpeg(cfg.FFmpegPath), nil
	case KindPassthrough:
		return Passthrough{}, nil
	case KindRemote:
		if cfg.RemoteURL == "" {
			return nil, errors.New("remote provider requires a URL")
		}
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Transport: defaultTransport()}
		}
		return NewRemote(cfg.RemoteURL, client)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}

// contextErr maps a finished context to the provider taxonomy. It returns
// nil while ctx is still live.
func contextErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTranscodeTimeout
	default:
		return err
	}
}
