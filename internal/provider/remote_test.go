package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"feed-transcoder/internal/fingerprint"
)

func TestRemoteStreamsBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		q := r.URL.Query()
		if q.Get("codec") != "opus" || q.Get("bitrate") != "48" || q.Get("channels") != "1" {
			t.Errorf("query = %v", q)
		}
		if q.Get("token") != "abc" {
			t.Errorf("endpoint query not preserved: %v", q)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}))
	defer server.Close()

	r, err := NewRemote(server.URL+"/transcode?token=abc", server.Client())
	if err != nil {
		t.Fatalf("NewRemote error: %v", err)
	}
	out, err := r.Transcode(context.Background(), strings.NewReader("source audio"),
		fingerprint.Params{Codec: "opus", BitrateKbps: 48, Channels: 1})
	if err != nil {
		t.Fatalf("Transcode error: %v", err)
	}
	defer out.Close()

	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(got) != "SOURCE AUDIO" {
		t.Errorf("got %q", got)
	}
}

func TestRemoteStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnsupportedMediaType, ErrUnsupportedFormat},
		{http.StatusUnprocessableEntity, ErrUnsupportedFormat},
		{http.StatusServiceUnavailable, ErrProviderUnavailable},
		{http.StatusInternalServerError, ErrProviderUnavailable},
		{http.StatusTooManyRequests, ErrProviderUnavailable},
		{http.StatusBadRequest, ErrTranscodeFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			r, err := NewRemote(server.URL, server.Client())
			if err != nil {
				t.Fatalf("NewRemote error: %v", err)
			}
			_, err = r.Transcode(context.Background(), strings.NewReader("x"), fingerprint.Params{Codec: "mp3", BitrateKbps: 64})
			if !errors.Is(err, tt.want) {
				t.Errorf("Transcode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemoteUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	r, err := NewRemote(url, nil)
	if err != nil {
		t.Fatalf("NewRemote error: %v", err)
	}
	_, err = r.Transcode(context.Background(), strings.NewReader("x"), fingerprint.Params{Codec: "mp3", BitrateKbps: 64})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Transcode error = %v, want ErrProviderUnavailable", err)
	}
}

func TestRemoteUnsupportedCodec(t *testing.T) {
	t.Parallel()

	r, err := NewRemote("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("NewRemote error: %v", err)
	}
	_, err = r.Transcode(context.Background(), strings.NewReader("x"), fingerprint.Params{Codec: "wma"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Transcode error = %v, want ErrUnsupportedFormat", err)
	}
}
