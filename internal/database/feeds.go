package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/mediatypes"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrFeedNotFound is returned when no feed has the requested ID.
	ErrFeedNotFound = errors.New("feed not found")

	// ErrFeedExists is returned when creating a feed whose ID is taken.
	ErrFeedExists = errors.New("feed already exists")
)

var feedIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Feed is a registered upstream feed and the params its enclosures are
// transcoded to.
type Feed struct {
	ID            string             `json:"id"`
	URL           string             `json:"url"`
	Title         string             `json:"title"`
	Params        fingerprint.Params `json:"params"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	LastFetchedAt *time.Time         `json:"lastFetchedAt,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
}

// ValidateFeedID reports whether id is a usable feed ID: lowercase letters,
// digits, '-' and '_', at most 64 characters.
func ValidateFeedID(id string) error {
	if !feedIDPattern.MatchString(id) {
		return fmt.Errorf("%w: feed id %q must match %s", fingerprint.ErrInvalidInput, id, feedIDPattern)
	}
	return nil
}

// CreateFeed registers f. An empty ID is replaced by a generated one. The
// URL must be an http(s) URL and the params must normalize.
func (d *Database) CreateFeed(ctx context.Context, f Feed) (created Feed, err error) {
	start := time.Now()
	defer func() { recordQuery("create_feed", start, err) }()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.ID = strings.ToLower(f.ID)
	if err := ValidateFeedID(f.ID); err != nil {
		return Feed{}, err
	}
	if _, err := fingerprint.Canonicalize(f.URL); err != nil {
		return Feed{}, err
	}
	if f.Params, err = f.Params.Normalize(); err != nil {
		return Feed{}, err
	}
	if _, ok := mediatypes.Lookup(f.Params.Codec); !ok {
		return Feed{}, fmt.Errorf("%w: unknown codec %q", fingerprint.ErrInvalidInput, f.Params.Codec)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO feeds (id, url, title, codec, bitrate, sample_rate, channels)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.URL, f.Title, string(f.Params.Codec), f.Params.BitrateKbps, f.Params.SampleRateHz, f.Params.Channels)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return Feed{}, fmt.Errorf("%w: %s", ErrFeedExists, f.ID)
		}
		return Feed{}, err
	}

	return d.getFeedLocked(ctx, f.ID)
}

// GetFeed returns the feed with the given ID.
func (d *Database) GetFeed(ctx context.Context, id string) (f Feed, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrFeedNotFound) {
			recordQuery("get_feed", start, nil)
			return
		}
		recordQuery("get_feed", start, err)
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return d.getFeedLocked(ctx, strings.ToLower(id))
}

const feedColumns = `id, url, title, codec, bitrate, sample_rate, channels,
	created_at, updated_at, last_fetched_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (Feed, error) {
	var (
		f                    Feed
		codec                string
		createdAt, updatedAt int64
		lastFetched          sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.URL, &f.Title, &codec, &f.Params.BitrateKbps,
		&f.Params.SampleRateHz, &f.Params.Channels,
		&createdAt, &updatedAt, &lastFetched, &f.LastError)
	if err != nil {
		return Feed{}, err
	}
	f.Params.Codec = mediatypes.Codec(codec)
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastFetched.Valid {
		t := time.Unix(lastFetched.Int64, 0).UTC()
		f.LastFetchedAt = &t
	}
	return f, nil
}

func (d *Database) getFeedLocked(ctx context.Context, id string) (Feed, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", id)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Feed{}, fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	return f, err
}

// ListFeeds returns every feed ordered by ID.
func (d *Database) ListFeeds(ctx context.Context) (feeds []Feed, err error) {
	start := time.Now()
	defer func() { recordQuery("list_feeds", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	feeds = []Feed{}
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// DeleteFeed removes a feed. Cached artifacts for its enclosures are left
// to eviction.
func (d *Database) DeleteFeed(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { recordQuery("delete_feed", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", strings.ToLower(id))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	return nil
}

// RecordFetch stores the outcome of an upstream fetch. A non-empty title
// replaces the stored one; fetchErr, when set, is kept as last_error.
func (d *Database) RecordFetch(ctx context.Context, id, title string, at time.Time, fetchErr error) (err error) {
	start := time.Now()
	defer func() { recordQuery("record_fetch", start, err) }()

	lastError := ""
	if fetchErr != nil {
		lastError = fetchErr.Error()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE feeds SET
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			last_fetched_at = ?,
			last_error = ?,
			updated_at = strftime('%s', 'now')
		WHERE id = ?
	`, title, title, at.Unix(), lastError, strings.ToLower(id))
	return err
}

// CountFeeds returns the number of registered feeds.
func (d *Database) CountFeeds(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { recordQuery("count_feeds", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds").Scan(&n)
	return n, err
}
