package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/database"
	"feed-transcoder/internal/retry"
	"feed-transcoder/internal/startup"

	"github.com/spf13/cobra"
)

// Timeout for one-shot registry and cache commands
const commandTimeout = 30 * time.Second

var errMemoryBackend = errors.New("cache commands need a shared store; set STORE_BACKEND=redis")

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "feed-transcoder",
		Short:         "Podcast feed enclosure transcoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $CONFIG_FILE)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newFingerprintCommand(ctx))
	rootCmd.AddCommand(newFeedsCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *startup.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

// ensureConfig loads the configuration once, without the server banner.
func (c *commandContext) ensureConfig() (*startup.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = startup.Load(c.configPath())
	})
	return c.config, c.configErr
}

func (c *commandContext) withDatabase(parent context.Context, fn func(context.Context, *startup.Config, *database.Database) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DatabaseDir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	db, err := database.New(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open feed registry %s: %w", cfg.DatabasePath, err)
	}
	defer db.Close()

	return fn(ctx, cfg, db)
}

func (c *commandContext) withStore(parent context.Context, fn func(context.Context, *startup.Config, artifact.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != startup.BackendRedis {
		return errMemoryBackend
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	store, _, closeStore, err := openStore(ctx, cfg, retry.Config{MaxRetries: 0})
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, cfg, store)
}

// openStore builds the configured artifact store. The Redis backend is
// pinged with rc before it is returned.
func openStore(ctx context.Context, cfg *startup.Config, rc retry.Config) (artifact.Store, string, func() error, error) {
	switch cfg.Store.Backend {
	case startup.BackendMemory:
		return artifact.NewMemoryStore(cfg.Store.ChunkSize), "in-process", func() error { return nil }, nil
	case startup.BackendRedis:
		client := artifact.NewRedisClient(artifact.ClientConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := artifact.NewRedisStore(client, artifact.RedisOptions{
			Prefix:    cfg.Redis.KeyPrefix,
			ChunkSize: cfg.Store.ChunkSize,
		})
		if err := retry.Do(ctx, "store_ping", rc, store.Ping); err != nil {
			_ = client.Close()
			return nil, "", nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		location := fmt.Sprintf("%s db=%d prefix=%s", cfg.Redis.Addr(), cfg.Redis.DB, cfg.Redis.KeyPrefix)
		return store, location, client.Close, nil
	default:
		return nil, "", nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
