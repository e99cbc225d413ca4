package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"
)

// Remote streams the source to an HTTP transcoding service and streams the
// response body back. The request carries the target params in its query:
// codec, bitrate (kbps), rate (Hz) and channels.
type Remote struct {
	endpoint *url.URL
	client   *http.Client
}

// NewRemote validates endpoint and returns a Remote provider.
func NewRemote(endpoint string, client *http.Client) (*Remote, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid remote provider URL %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}
	return &Remote{endpoint: u, client: client}, nil
}

func (r *Remote) Name() string { return string(KindRemote) }

func (r *Remote) Transcode(ctx context.Context, src io.Reader, p fingerprint.Params) (io.ReadCloser, error) {
	format, ok := mediatypes.Lookup(p.Codec)
	if !ok {
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupportedFormat, p.Codec)
	}

	u := *r.endpoint
	q := u.Query()
	q.Set("codec", string(p.Codec))
	q.Set("bitrate", strconv.Itoa(p.BitrateKbps))
	if p.SampleRateHz > 0 {
		q.Set("rate", strconv.Itoa(p.SampleRateHz))
	}
	if p.Channels > 0 {
		q.Set("channels", strconv.Itoa(p.Channels))
	}
	u.RawQuery = q.Encode()

	// Wrapping hides any Len method so the body is always sent chunked.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), io.NopCloser(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", format.ContentType)

	resp, err := r.client.Do(req)
	if err != nil {
		if cerr := contextErr(ctx); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, ErrSourceFetchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return &remoteBody{ctx: ctx, body: resp.Body}, nil
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: remote returned %s", ErrUnsupportedFormat, resp.Status)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: remote returned %s", ErrProviderUnavailable, resp.Status)
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: remote returned %s", ErrTranscodeFailed, resp.Status)
	}
}

type remoteBody struct {
	ctx  context.Context
	body io.ReadCloser
}

func (b *remoteBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if cerr := contextErr(b.ctx); cerr != nil {
			return n, cerr
		}
		return n, fmt.Errorf("%w: remote stream: %v", ErrTranscodeFailed, err)
	}
	return n, err
}

func (b *remoteBody) Close() error {
	return b.body.Close()
}
