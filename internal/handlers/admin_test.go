package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"
)

func TestAdminDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/feeds", "/api/cache/stats", "/api/jobs"} {
		rec := env.do(t, http.MethodGet, path, nil, basicAuth(AdminUser, testPassword))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404 while the admin API is disabled", path, rec.Code)
		}
	}
}

func TestAdminAuthentication(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong password", basicAuth(AdminUser, "wrong"), http.StatusUnauthorized},
		{"wrong user", basicAuth("root", testPassword), http.StatusUnauthorized},
		{"valid", basicAuth(AdminUser, testPassword), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/feeds", nil, tt.header)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry a WWW-Authenticate challenge")
			}
		})
	}
}

func TestAdminFeedLifecycle(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	rec := env.do(t, http.MethodPost, "/api/feeds",
		[]byte(`{"id":"News","url":"https://example.com/news.xml","codec":"opus","bitrate":48}`), auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %q", rec.Code, rec.Body.String())
	}
	var created FeedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "news" {
		t.Errorf("ID = %q, want lowercased news", created.ID)
	}
	if created.Params.Codec != mediatypes.CodecOpus || created.Params.BitrateKbps != 48 {
		t.Errorf("Params = %+v", created.Params)
	}
	if created.FeedURL != testBaseURL+"/feed/news" {
		t.Errorf("FeedURL = %q", created.FeedURL)
	}

	rec = env.do(t, http.MethodPost, "/api/feeds", []byte(`{"url":"https://example.com/other.xml"}`), auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create with defaults status = %d, body %q", rec.Code, rec.Body.String())
	}
	var generated FeedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &generated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if generated.ID == "" || generated.Params != testParams {
		t.Errorf("generated feed = %+v, want an ID and default params", generated.Feed)
	}

	rec = env.do(t, http.MethodGet, "/api/feeds", nil, auth)
	var list []FeedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d feeds, want 2", len(list))
	}

	if rec := env.do(t, http.MethodDelete, "/api/feeds/news", nil, auth); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/feeds/news", nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAdminCreateFeedValidation(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	if rec := env.do(t, http.MethodPost, "/api/feeds", []byte(`{"id":"dup","url":"https://example.com/a.xml"}`), auth); rec.Code != http.StatusCreated {
		t.Fatalf("seed status = %d", rec.Code)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"unknown field", `{"url":"https://example.com/x.xml","bogus":1}`, http.StatusBadRequest},
		{"missing url", `{"id":"x"}`, http.StatusBadRequest},
		{"ftp url", `{"url":"ftp://example.com/x.xml"}`, http.StatusBadRequest},
		{"bad id", `{"id":"no spaces","url":"https://example.com/x.xml"}`, http.StatusBadRequest},
		{"unknown codec", `{"url":"https://example.com/x.xml","codec":"wma"}`, http.StatusBadRequest},
		{"bitrate out of range", `{"url":"https://example.com/x.xml","bitrate":100000}`, http.StatusBadRequest},
		{"duplicate", `{"id":"dup","url":"https://example.com/b.xml"}`, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/feeds", []byte(tt.body), auth)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestAdminCache(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	var fps []fingerprint.Fingerprint
	for _, file := range []string{"ep1.mp3", "ep2.mp3"} {
		path, fp := env.playPath(t, file, testParams)
		if rec := env.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("priming %s: status %d", file, rec.Code)
		}
		env.waitStored(t, fp)
		fps = append(fps, fp)
	}

	rec := env.do(t, http.MethodGet, "/api/cache/stats", nil, auth)
	var stats CacheStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Store.Artifacts != 2 || stats.Store.Bytes != int64(2*len(env.audio)) {
		t.Errorf("store stats = %+v", stats.Store)
	}

	rec = env.do(t, http.MethodGet, "/api/cache/artifacts?limit=1", nil, auth)
	var metas []artifact.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &metas); err != nil {
		t.Fatalf("decode artifacts: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("listed %d artifacts, want 1", len(metas))
	}
	if rec := env.do(t, http.MethodGet, "/api/cache/artifacts?limit=zero", nil, auth); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	// The janitor allows one artifact, so the manual pass evicts the older
	rec = env.do(t, http.MethodPost, "/api/cache/evict", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("evict status = %d", rec.Code)
	}
	var result artifact.EvictResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode evict: %v", err)
	}
	if len(result.Evicted) != 1 || result.Evicted[0] != fps[0] {
		t.Errorf("evicted %v, want [%s]", result.Evicted, fps[0].Short())
	}

	if rec := env.do(t, http.MethodDelete, "/api/cache/"+fps[1].String(), nil, auth); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/cache/"+fps[1].String(), nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/cache/xyz", nil, auth); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed fingerprint status = %d, want 400", rec.Code)
	}

	if n, _ := env.store.Stats(context.Background()); n.Artifacts != 0 {
		t.Errorf("%d artifacts left, want 0", n.Artifacts)
	}
}

func TestAdminDeleteArtifactInUse(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	path, fp := env.playPath(t, "ep1.mp3", testParams)
	if rec := env.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("priming status = %d", rec.Code)
	}
	env.waitStored(t, fp)

	reader, err := env.store.OpenRead(context.Background(), fp)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer reader.Close()

	rec := env.do(t, http.MethodDelete, "/api/cache/"+fp.String(), nil, basicAuth(AdminUser, testPassword))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 while a listener holds the artifact", rec.Code)
	}
}

func TestAdminJobs(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))

	rec := env.do(t, http.MethodGet, "/api/jobs", nil, basicAuth(AdminUser, testPassword))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var jobs []coordinator.JobInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Errorf("jobs = %v, want an empty list", jobs)
	}
}
