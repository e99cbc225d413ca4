package handlers

import (
	"errors"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/database"
	"feed-transcoder/internal/feed"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/janitor"
	"feed-transcoder/internal/startup"
	"feed-transcoder/internal/streaming"
)

type Handlers struct {
	db            *database.Database
	store         artifact.Store
	coord         *coordinator.Coordinator
	janitor       *janitor.Janitor
	fetcher       *feed.Fetcher
	rewriter      *feed.Rewriter
	defaults      fingerprint.Params
	rangePolicy   string
	streamConfig  streaming.TimeoutWriterConfig
	publicBaseURL string
	adminHash     []byte
	backend       string
	startTime     time.Time
}

func New(db *database.Database, store artifact.Store, coord *coordinator.Coordinator, jan *janitor.Janitor, config *startup.Config) (*Handlers, error) {
	if db == nil || store == nil || coord == nil || jan == nil {
		return nil, errors.New("handlers require a database, a store, a coordinator and a janitor")
	}

	rewriter, err := feed.NewRewriter(config.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	streamConfig := streaming.DefaultTimeoutWriterConfig()
	streamConfig.ChunkSize = store.ChunkSize()

	return &Handlers{
		db:      db,
		store:   store,
		coord:   coord,
		janitor: jan,
		fetcher: feed.NewFetcher(feed.FetcherConfig{
			MaxBytes:  int64(config.Feed.MaxBytes),
			Timeout:   config.Feed.FetchTimeout.Duration,
			UserAgent: config.Feed.UserAgent,
		}),
		rewriter:      rewriter,
		defaults:      config.Params,
		rangePolicy:   config.Transcode.RangePolicy,
		streamConfig:  streamConfig,
		publicBaseURL: config.PublicBaseURL,
		adminHash:     []byte(config.Admin.PasswordHash),
		backend:       config.Store.Backend,
		startTime:     time.Now(),
	}, nil
}
