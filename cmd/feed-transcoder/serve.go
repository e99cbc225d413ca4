package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/database"
	"feed-transcoder/internal/handlers"
	"feed-transcoder/internal/janitor"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/memory"
	"feed-transcoder/internal/metrics"
	"feed-transcoder/internal/middleware"
	"feed-transcoder/internal/provider"
	"feed-transcoder/internal/retry"
	"feed-transcoder/internal/startup"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout   = 30 * time.Second
	collectorInterval = time.Minute
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the feed and playback server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), ctx.configPath())
		},
	}
}

// server holds everything started by runServer that must be stopped on
// shutdown.
type server struct {
	http       *http.Server
	metrics    *http.Server
	coord      *coordinator.Coordinator
	janitor    *janitor.Janitor
	collector  *metrics.Collector
	monitor    *memory.Monitor
	provider   provider.Provider
	closeStore func() error
	db         *database.Database
}

func runServer(parent context.Context, configPath string) error {
	startTime := time.Now()
	if parent == nil {
		parent = context.Background()
	}

	memory.ConfigureFromEnv()

	config, err := startup.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logging.Configure(nil, config.LogFormat, logging.GetLevel())

	s := &server{}

	// Feed registry
	dbStart := time.Now()
	db, err := database.New(parent, config.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	startup.LogDatabaseInit(time.Since(dbStart))

	// Artifact store; Redis may still be starting alongside us
	storeStart := time.Now()
	store, location, closeStore, err := openStore(parent, config, retry.DefaultConfig())
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	s.closeStore = closeStore
	startup.LogStoreInit(config.Store.Backend, location, time.Since(storeStart))

	prov, err := provider.New(provider.Config{
		Kind:       config.ProviderKind,
		FFmpegPath: config.Provider.FFmpegPath,
		RemoteURL:  config.Provider.RemoteURL,
	})
	if err != nil {
		s.closeResources()
		return fmt.Errorf("failed to initialize provider: %w", err)
	}
	s.provider = prov
	startup.LogProviderInit(config)

	s.monitor = memory.NewMonitor(memory.DefaultConfig())
	s.monitor.Start()

	coord, err := coordinator.New(coordinator.Config{
		Store:         store,
		Provider:      prov,
		Source:        provider.NewHTTPSource(nil, config.Feed.UserAgent),
		Workers:       config.Workers,
		ConsumerQueue: config.Transcode.ConsumerQueue,
		ConsumerStall: config.Transcode.ConsumerStall.Duration,
		MaxDuration:   config.Transcode.Timeout.Duration,
		Abandon:       config.AbandonPolicy,
		Observer:      metrics.NewCoordinatorObserver(),
		Admission:     s.monitor,
	})
	if err != nil {
		s.monitor.Stop()
		s.closeResources()
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	s.coord = coord

	jan := janitor.New(store, config.Limits(), config.Eviction.Interval.Duration)
	jan.SetBookkeeper(db)
	startup.LogJanitorInit(config)
	jan.Start(parent)
	s.janitor = jan

	h, err := handlers.New(db, store, coord, jan, config)
	if err != nil {
		s.stop(context.Background())
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}

	metrics.InitializeMetrics(string(config.ProviderKind))
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion, string(config.ProviderKind), config.Store.Backend)
	if config.MetricsEnabled {
		s.collector = metrics.NewCollector(store, config.DatabasePath, collectorInterval)
		s.collector.SetFeedCounter(db)
		s.collector.Start()
		s.metrics = startMetricsServer(config.MetricsPort, h)
	}

	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggedHandler := middleware.Logger(loggingConfig, "feed-transcoder")(router)

	compressionConfig := middleware.DefaultCompressionConfig()
	handler := middleware.Compression(compressionConfig)(loggedHandler)

	// No WriteTimeout: live transcodes stream for as long as they run
	s.http = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		PublicBaseURL:   config.PublicBaseURL,
		StartupDuration: time.Since(startTime),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		startup.LogShutdownInitiated(sig.String())
	case <-parent.Done():
		startup.LogShutdownInitiated("context cancellation")
	case err := <-serveErr:
		startup.LogShutdownInitiated("server error")
		runErr = fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.stop(ctx)

	startup.LogShutdownComplete()
	return runErr
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	h.RegisterRoutes(r)
	return r
}

func startMetricsServer(port string, h *handlers.Handlers) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", h.MetricsHandler())
	metricsMux.HandleFunc("/health", h.LivenessCheck)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

// stop tears the server down. Storage is closed last.
func (s *server) stop(ctx context.Context) {
	if s.http != nil {
		startup.LogShutdownStep("Shutting down HTTP server")
		// Shutdown blocks on live streams until the coordinator ends them.
		done := make(chan error, 1)
		go func() { done <- s.http.Shutdown(ctx) }()

		startup.LogShutdownStep("Stopping transcodes")
		if err := s.coord.Shutdown(ctx); err != nil {
			logging.Warn("Coordinator shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Transcodes stopped")
		}

		if err := <-done; err != nil {
			logging.Warn("Server shutdown error: %v", err)
			_ = s.http.Close()
		} else {
			startup.LogShutdownStepComplete("HTTP server stopped")
		}
	} else if s.coord != nil {
		_ = s.coord.Shutdown(ctx)
	}

	if s.janitor != nil {
		startup.LogShutdownStep("Stopping janitor")
		s.janitor.Stop()
		startup.LogShutdownStepComplete("Janitor stopped")
	}

	if s.collector != nil {
		s.collector.Stop()
	}
	if s.metrics != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := s.metrics.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	if c, ok := s.provider.(interface{ Cleanup() }); ok {
		startup.LogShutdownStep("Cleaning up transcoder processes")
		c.Cleanup()
		startup.LogShutdownStepComplete("Transcoder cleanup complete")
	}

	s.closeResources()
}

func (s *server) closeResources() {
	if s.closeStore != nil {
		startup.LogShutdownStep("Closing artifact store")
		if err := s.closeStore(); err != nil {
			logging.Warn("Artifact store close error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Artifact store closed")
		}
		s.closeStore = nil
	}
	if s.db != nil {
		startup.LogShutdownStep("Closing database")
		if err := s.db.Close(); err != nil {
			logging.Warn("Database close error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Database closed")
		}
		s.db = nil
	}
}
