package startup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/provider"

	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// LoadConfig prints the banner, loads the configuration and prepares the
// database directory.
func LoadConfig(path string) (*Config, error) {
	printBanner()
	logSystemInfo()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetLevel(level)
	}

	logConfig(cfg)

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Database directory (absolute): %s", cfg.DatabaseDir)

	if err := ensureDirectory(cfg.DatabaseDir, "database"); err != nil {
		return nil, fmt.Errorf("database directory error: %w", err)
	}

	logging.Debug("  Testing database directory write access...")
	if err := testWriteAccess(cfg.DatabaseDir); err != nil {
		return nil, fmt.Errorf("database directory is not writable (required for database): %w", err)
	}
	logging.Info("  [OK] Database directory is writable")

	logging.Info("")
	logging.Info("  Feature availability:")
	logging.Info("    Feed registry: ENABLED (required)")
	logging.Info("    Admin API:     %s", enabledString(cfg.AdminEnabled()))
	logging.Info("    Eviction:      %s", enabledString(cfg.Limits().Enabled()))
	logging.Info("    Metrics:       %s", enabledString(cfg.MetricsEnabled))

	return cfg, nil
}

func logConfig(cfg *Config) {
	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")
	if cfg.ConfigFile != "" {
		logging.Info("  Config file:           %s", cfg.ConfigFile)
	}
	logging.Info("  PORT:                  %s", cfg.Port)
	logging.Info("  METRICS_PORT:          %s", cfg.MetricsPort)
	logging.Info("  METRICS_ENABLED:       %v", cfg.MetricsEnabled)
	logging.Info("  PUBLIC_BASE_URL:       %s", cfg.PublicBaseURL)
	logging.Info("  DATABASE_DIR:          %s", cfg.DatabaseDir)
	logging.Info("  STORE_BACKEND:         %s", cfg.Store.Backend)
	if cfg.Store.Backend == BackendRedis {
		logging.Info("  REDIS:                 %s db=%d prefix=%s", cfg.Redis.Addr(), cfg.Redis.DB, cfg.Redis.KeyPrefix)
	}
	logging.Info("  STORE_CHUNK_SIZE:      %d", cfg.Store.ChunkSize)
	logging.Info("  PROVIDER:              %s", cfg.ProviderKind)
	logging.Info("  TARGET:                %s %dk", cfg.Params.Codec, cfg.Params.BitrateKbps)
	logging.Info("  TRANSCODE_TIMEOUT:     %v", cfg.Transcode.Timeout.Duration)
	logging.Info("  TRANSCODE_WORKERS:     %d", cfg.Workers)
	logging.Info("  CONSUMER_QUEUE_CHUNKS: %d", cfg.Transcode.ConsumerQueue)
	logging.Info("  CONSUMER_STALL:        %v", cfg.Transcode.ConsumerStall.Duration)
	logging.Info("  ABANDON_POLICY:        %s", cfg.AbandonPolicy)
	logging.Info("  RANGE_POLICY:          %s", cfg.Transcode.RangePolicy)
	logging.Info("  EVICT_MAX_BYTES:       %s", cfg.Eviction.MaxBytes)
	logging.Info("  EVICT_MAX_ARTIFACTS:   %d", cfg.Eviction.MaxArtifacts)
	logging.Info("  EVICT_INTERVAL:        %v", cfg.Eviction.Interval.Duration)
	logging.Info("  FEED_FETCH_TIMEOUT:    %v", cfg.Feed.FetchTimeout.Duration)
	logging.Info("  LOG_HEALTH_CHECKS:     %v", cfg.LogHealthChecks)
	logging.Info("  LOG_LEVEL:             %s", logging.GetLevel())
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DATABASE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Database initialized in %v", duration)
}

// LogStoreInit logs artifact store initialization
func LogStoreInit(backend, location string, duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("ARTIFACT STORE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	if backend == BackendMemory {
		logging.Warn("  In-memory store: artifacts are lost on restart and not shared between replicas")
	}
	logging.Info("  [OK] %s store ready (%s) in %v", backend, location, duration)
}

// LogProviderInit logs provider initialization and checks that its
// backend is reachable. A failed check is a warning; the provider reports
// ErrProviderUnavailable per request.
func LogProviderInit(cfg *Config) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("PROVIDER INITIALIZATION")
	logging.Info("------------------------------------------------------------")

	switch cfg.ProviderKind {
	case provider.KindFFmpeg:
		if err := checkFFmpeg(cfg.Provider.FFmpegPath); err != nil {
			logging.Warn("  FFmpeg check failed: %v", err)
			logging.Warn("  Playback of uncached enclosures will fail until ffmpeg is installed")
		} else {
			logging.Info("  [OK] FFmpeg is available")
		}
	case provider.KindRemote:
		logging.Info("  Remote transcoder: %s", cfg.Provider.RemoteURL)
	case provider.KindPassthrough:
		logging.Info("  Passthrough provider: enclosures are cached unchanged")
	}
	logging.Info("  Worker slots: %d", cfg.Workers)
}

// LogJanitorInit logs eviction scheduling
func LogJanitorInit(cfg *Config) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("JANITOR INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	if !cfg.Limits().Enabled() {
		logging.Info("  No cache limits set, scheduled eviction disabled")
		return
	}
	logging.Info("  Eviction interval: %v", cfg.Eviction.Interval.Duration)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			// Subrouters registered by prefix only
			return nil
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}

		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))
		logging.Debug("")

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}

			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
			logging.Debug("")
		}
	}

	logging.Info("  HTTP logging enabled")
	if logHealthChecks {
		logging.Info("    Health check logging: ON")
	} else {
		logging.Info("    Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	PublicBaseURL   string
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    Application:   http://0.0.0.0:%s", config.Port)
	logging.Info("    Public URL:    %s", config.PublicBaseURL)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

func printBanner() {
	banner := `
------------------------------------------------------------
    ______              __   ______                                 __
   / ____/__  ___  ____/ /  /_  __/________ _____  ______________  / /__  _____
  / /_  / _ \/ _ \/ __  /    / / / ___/ __ '/ __ \/ ___/ ___/ __ \/ __/ _ \/ ___/
 / __/ /  __/  __/ /_/ /    / / / /  / /_/ / / / (__  ) /__/ /_/ / /_/  __/ /
/_/    \___/\___/\__,_/    /_/ /_/   \__,_/_/ /_/____/\___/\____/\__,_\___/_/

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		logging.Debug("  Goroutines:      %d", runtime.NumGoroutine())
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func checkFFmpeg(binary string) error {
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", binary)
	}
	logging.Debug("  FFmpeg path: %s", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	if first, _, _ := strings.Cut(string(output), "\n"); first != "" {
		logging.Debug("  FFmpeg version: %s", strings.TrimSpace(first))
	}

	return nil
}
