package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Source opens enclosure audio for transcoding.
type Source interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPSource fetches enclosures over HTTP(S).
type HTTPSource struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSource creates a source using client, or a default client when nil.
func NewHTTPSource(client *http.Client, userAgent string) *HTTPSource {
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}
	return &HTTPSource{client: client, userAgent: userAgent}
}

// Open issues a GET for url. Network failures and non-2xx responses are
// reported as ErrSourceFetchFailed, as are read errors on the body.
func (s *HTTPSource) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %s", ErrSourceFetchFailed, resp.Status)
	}
	return &sourceBody{ctx: ctx, body: resp.Body}, nil
}

type sourceBody struct {
	ctx  context.Context
	body io.ReadCloser
}

func (b *sourceBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if cerr := b.ctx.Err(); cerr != nil {
			return n, cerr
		}
		return n, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}
	return n, err
}

func (b *sourceBody) Close() error {
	return b.body.Close()
}
