package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"feed-transcoder/internal/database"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/opml"
)

const importList = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Phone export</title></head>
  <body>
    <outline text="News" type="rss" xmlUrl="https://example.com/news.xml"/>
    <outline text="Folder">
      <outline text="Tech" type="rss" xmlUrl="https://example.com/tech.xml"/>
      <outline text="Bad" type="rss" xmlUrl="gopher://example.com/bad"/>
    </outline>
  </body>
</opml>`

func TestImportFeeds(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	if _, err := env.db.CreateFeed(context.Background(), database.Feed{
		ID: "news", URL: "https://example.com/news.xml", Params: testParams,
	}); err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/feeds/import?codec=opus&bitrate=40", []byte(importList), auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %q", rec.Code, rec.Body.String())
	}
	var resp ImportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Title != "Phone export" {
		t.Errorf("Title = %q", resp.Title)
	}
	if len(resp.Imported) != 1 || resp.Imported[0].URL != "https://example.com/tech.xml" {
		t.Fatalf("Imported = %+v, want only the tech feed", resp.Imported)
	}
	imported := resp.Imported[0]
	if imported.Title != "Tech" || imported.Params.Codec != mediatypes.CodecOpus || imported.Params.BitrateKbps != 40 {
		t.Errorf("imported feed = %+v", imported.Feed)
	}
	if !strings.HasPrefix(imported.FeedURL, testBaseURL+"/feed/") {
		t.Errorf("FeedURL = %q", imported.FeedURL)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0] != "https://example.com/news.xml" {
		t.Errorf("Skipped = %v", resp.Skipped)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].URL != "gopher://example.com/bad" {
		t.Errorf("Failed = %+v", resp.Failed)
	}

	// A second import of the same list registers nothing new
	rec = env.do(t, http.MethodPost, "/api/feeds/import", []byte(importList), auth)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Imported) != 0 || len(resp.Skipped) != 2 {
		t.Errorf("second import = %+v", resp)
	}

	feeds, err := env.db.ListFeeds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 2 {
		t.Errorf("registry holds %d feeds, want 2", len(feeds))
	}
}

func TestImportFeedsValidation(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"not opml", "/api/feeds/import", "https://example.com/news.xml"},
		{"unknown codec", "/api/feeds/import?codec=wma", importList},
		{"bad bitrate", "/api/feeds/import?bitrate=fast", importList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.target, []byte(tt.body), auth)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	if rec := env.do(t, http.MethodPost, "/api/feeds/import", []byte(importList), nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated import = %d, want 401", rec.Code)
	}
}

func TestExportFeeds(t *testing.T) {
	env := newTestEnv(t, withAdmin(t))
	auth := basicAuth(AdminUser, testPassword)

	for _, f := range []database.Feed{
		{ID: "daily", URL: "https://example.com/daily.xml", Title: "Daily", Params: testParams},
		{ID: "weekly", URL: "https://example.com/weekly.xml", Params: testParams},
	} {
		if _, err := env.db.CreateFeed(context.Background(), f); err != nil {
			t.Fatalf("CreateFeed: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/feeds.opml", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/x-opml") {
		t.Errorf("Content-Type = %q", ct)
	}

	list, err := opml.Parse(rec.Body)
	if err != nil {
		t.Fatalf("exported list does not parse: %v", err)
	}
	urls := make(map[string]string)
	for _, s := range list.Subscriptions {
		urls[s.URL] = s.Title
	}
	if title, ok := urls[testBaseURL+"/feed/daily"]; !ok || title != "Daily" {
		t.Errorf("daily missing or mistitled in %+v", list.Subscriptions)
	}
	if _, ok := urls[testBaseURL+"/feed/weekly"]; !ok {
		t.Errorf("weekly missing in %+v", list.Subscriptions)
	}
	if strings.Contains(rec.Body.String(), "example.com") {
		t.Error("export should list the transcoded feed URLs, not the upstream ones")
	}
}
