package startup

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/provider"

	"github.com/gorilla/mux"
	"github.com/pelletier/go-toml/v2"
)

// isolateEnv clears every variable Load reads so host settings do not leak
// into a test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "METRICS_PORT", "METRICS_ENABLED", "PUBLIC_BASE_URL",
		"DATABASE_DIR", "LOG_LEVEL", "LOG_FORMAT", "LOG_HEALTH_CHECKS",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB", "REDIS_KEY_PREFIX",
		"STORE_BACKEND", "STORE_CHUNK_SIZE", "PROVIDER", "FFMPEG_PATH", "REMOTE_PROVIDER_URL",
		"TARGET_CODEC", "TARGET_BITRATE", "TARGET_SAMPLE_RATE", "TARGET_CHANNELS",
		"TRANSCODE_TIMEOUT", "TRANSCODE_WORKERS", "CONSUMER_QUEUE_CHUNKS", "CONSUMER_STALL_TIMEOUT",
		"ABANDON_POLICY", "RANGE_POLICY", "EVICT_MAX_BYTES", "EVICT_MAX_ARTIFACTS",
		"EVICT_INTERVAL", "FEED_FETCH_TIMEOUT", "ADMIN_PASSWORD_HASH",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("DATABASE_DIR", t.TempDir())
}

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
	if info.OS == "" || info.Arch == "" {
		t.Error("Expected OS and Arch to be set")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" || cfg.MetricsPort != "9090" {
		t.Errorf("ports = %s/%s", cfg.Port, cfg.MetricsPort)
	}
	if cfg.Store.Backend != BackendRedis {
		t.Errorf("Store.Backend = %q, want redis", cfg.Store.Backend)
	}
	if cfg.ProviderKind != provider.KindFFmpeg {
		t.Errorf("ProviderKind = %q, want ffmpeg", cfg.ProviderKind)
	}
	if cfg.Params.Codec != mediatypes.CodecMP3 || cfg.Params.BitrateKbps != 96 {
		t.Errorf("Params = %+v", cfg.Params)
	}
	if cfg.AbandonPolicy != coordinator.RunToCompletion {
		t.Errorf("AbandonPolicy = %v, want run", cfg.AbandonPolicy)
	}
	if cfg.Transcode.RangePolicy != RangePolicyReject {
		t.Errorf("RangePolicy = %q, want reject", cfg.Transcode.RangePolicy)
	}
	if cfg.Workers < 1 {
		t.Errorf("Workers = %d, want at least 1", cfg.Workers)
	}
	if filepath.Base(cfg.DatabasePath) != "feeds.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if !cfg.Limits().Enabled() || cfg.Limits().MaxBytes != 10<<30 {
		t.Errorf("Limits() = %+v", cfg.Limits())
	}
	if cfg.AdminEnabled() {
		t.Error("admin API should be disabled without a password hash")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("PUBLIC_BASE_URL", "https://pods.example.com/")
	t.Setenv("STORE_BACKEND", "MEMORY")
	t.Setenv("PROVIDER", "passthrough")
	t.Setenv("TARGET_CODEC", "opus")
	t.Setenv("TARGET_BITRATE", "48")
	t.Setenv("TARGET_CHANNELS", "1")
	t.Setenv("TRANSCODE_TIMEOUT", "5m")
	t.Setenv("TRANSCODE_WORKERS", "3")
	t.Setenv("ABANDON_POLICY", "cancel")
	t.Setenv("RANGE_POLICY", "block")
	t.Setenv("EVICT_MAX_BYTES", "2GiB")
	t.Setenv("EVICT_MAX_ARTIFACTS", "500")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.PublicBaseURL != "https://pods.example.com" {
		t.Errorf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
	if cfg.ProviderKind != provider.KindPassthrough {
		t.Errorf("ProviderKind = %q", cfg.ProviderKind)
	}
	if cfg.Params.Codec != mediatypes.CodecOpus || cfg.Params.BitrateKbps != 48 || cfg.Params.Channels != 1 {
		t.Errorf("Params = %+v", cfg.Params)
	}
	if cfg.Transcode.Timeout.Duration != 5*time.Minute {
		t.Errorf("Timeout = %v", cfg.Transcode.Timeout.Duration)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.AbandonPolicy != coordinator.CancelWhenAbandoned {
		t.Errorf("AbandonPolicy = %v, want cancel", cfg.AbandonPolicy)
	}
	if cfg.Transcode.RangePolicy != RangePolicyBlock {
		t.Errorf("RangePolicy = %q", cfg.Transcode.RangePolicy)
	}
	if cfg.Limits().MaxBytes != 2<<30 || cfg.Limits().MaxArtifacts != 500 {
		t.Errorf("Limits() = %+v", cfg.Limits())
	}
	if !cfg.AdminEnabled() {
		t.Error("admin API should be enabled with a password hash")
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	isolateEnv(t)
	t.Setenv("METRICS_ENABLED", "maybe")
	t.Setenv("REDIS_PORT", "not-a-port")
	t.Setenv("TRANSCODE_TIMEOUT", "forever")
	t.Setenv("ABANDON_POLICY", "sometimes")
	t.Setenv("RANGE_POLICY", "wait")
	t.Setenv("STORE_CHUNK_SIZE", "10")
	t.Setenv("EVICT_MAX_BYTES", "lots")
	t.Setenv("TARGET_BITRATE", "99999")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.MetricsEnabled != def.MetricsEnabled {
		t.Errorf("MetricsEnabled = %v", cfg.MetricsEnabled)
	}
	if cfg.Redis.Port != def.Redis.Port {
		t.Errorf("Redis.Port = %d", cfg.Redis.Port)
	}
	if cfg.Transcode.Timeout != def.Transcode.Timeout {
		t.Errorf("Timeout = %v", cfg.Transcode.Timeout)
	}
	if cfg.AbandonPolicy != coordinator.RunToCompletion {
		t.Errorf("AbandonPolicy = %v", cfg.AbandonPolicy)
	}
	if cfg.Transcode.RangePolicy != def.Transcode.RangePolicy {
		t.Errorf("RangePolicy = %q", cfg.Transcode.RangePolicy)
	}
	if cfg.Store.ChunkSize != def.Store.ChunkSize {
		t.Errorf("ChunkSize = %d", cfg.Store.ChunkSize)
	}
	if cfg.Eviction.MaxBytes != def.Eviction.MaxBytes {
		t.Errorf("MaxBytes = %v", cfg.Eviction.MaxBytes)
	}
	if cfg.Params.BitrateKbps != def.Transcode.Bitrate {
		t.Errorf("BitrateKbps = %d", cfg.Params.BitrateKbps)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"unknown backend", "STORE_BACKEND", "postgres", "store backend"},
		{"unknown provider", "PROVIDER", "sox", "unknown provider"},
		{"unknown codec", "TARGET_CODEC", "wma", "codec"},
		{"relative base url", "PUBLIC_BASE_URL", "/relative", "PUBLIC_BASE_URL"},
		{"remote without url", "PROVIDER", "remote", "REMOTE_PROVIDER_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
port = "7000"
public_base_url = "https://feeds.example.org"

[store]
backend = "memory"

[transcode]
codec = "aac"
bitrate = 128
timeout = "90s"

[eviction]
max_bytes = "512MiB"
interval = "1m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Environment wins over the file
	t.Setenv("PORT", "7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
	if cfg.Port != "7001" {
		t.Errorf("Port = %q, want env override 7001", cfg.Port)
	}
	if cfg.PublicBaseURL != "https://feeds.example.org" {
		t.Errorf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
	if cfg.Params.Codec != mediatypes.CodecAAC || cfg.Params.BitrateKbps != 128 {
		t.Errorf("Params = %+v", cfg.Params)
	}
	if cfg.Transcode.Timeout.Duration != 90*time.Second {
		t.Errorf("Timeout = %v", cfg.Transcode.Timeout.Duration)
	}
	if cfg.Eviction.MaxBytes != 512<<20 || cfg.Eviction.Interval.Duration != time.Minute {
		t.Errorf("Eviction = %+v", cfg.Eviction)
	}
	// Unset file values keep their defaults
	if cfg.MetricsPort != "9090" {
		t.Errorf("MetricsPort = %q", cfg.MetricsPort)
	}
}

func TestLoadFileErrors(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}

	unknown := filepath.Join(dir, "unknown.toml")
	if err := os.WriteFile(unknown, []byte("prot = \"8080\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(unknown); err == nil || !strings.Contains(err.Error(), "prot") {
		t.Errorf("Load() with unknown key error = %v, want mention of the key", err)
	}

	broken := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(broken, []byte("port = \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(broken); err == nil {
		t.Error("Load() should fail for malformed TOML")
	}
}

func TestLoadFromConfigFileEnv(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("metrics_port = \"9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MetricsPort != "9999" {
		t.Errorf("MetricsPort = %q, want value from CONFIG_FILE", cfg.MetricsPort)
	}
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	isolateEnv(t)

	var fromSample Config
	decoder := toml.NewDecoder(strings.NewReader(SampleConfig()))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&fromSample); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}

	def := Default()
	if fromSample.Transcode.Codec != def.Transcode.Codec ||
		fromSample.Transcode.Bitrate != def.Transcode.Bitrate ||
		fromSample.Store.ChunkSize != def.Store.ChunkSize ||
		fromSample.Eviction.MaxBytes != def.Eviction.MaxBytes ||
		fromSample.Eviction.Interval != def.Eviction.Interval ||
		fromSample.Transcode.RangePolicy != def.Transcode.RangePolicy {
		t.Errorf("sample config drifted from Default(): %+v", fromSample)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"0", 0, false},
		{"", 0, false},
		{"1024", 1024, false},
		{"10GiB", 10 << 30, false},
		{"1.5 MB", 1500000, false},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var b ByteSize
			err := b.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v", tt.in, err)
			}
			if b != tt.want {
				t.Errorf("UnmarshalText(%q) = %d, want %d", tt.in, b, tt.want)
			}
		})
	}

	if got := ByteSize(10 << 30).String(); got != "10 GiB" {
		t.Errorf("String() = %q, want 10 GiB", got)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "x")
	t.Setenv("TEST_BOOL", "t")
	t.Setenv("TEST_DURATION", "90s")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt(bad) = %d, want default", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool(t) = false")
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v", got)
	}
	if got := getEnv("TEST_UNSET_FOR_SURE", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %q", got)
	}
}

func TestGetRoutes(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/feed/{id}", func(_ http.ResponseWriter, _ *http.Request) {}).Methods("GET").Name("feed")
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/feeds", func(_ http.ResponseWriter, _ *http.Request) {}).Methods("GET", "POST")

	routes, err := GetRoutes(r)
	if err != nil {
		t.Fatalf("GetRoutes() error = %v", err)
	}

	var found int
	for _, route := range routes {
		switch {
		case route.Path == "/feed/{id}" && route.Name == "feed":
			found++
		case route.Path == "/api/feeds":
			found++
		}
	}
	if found != 3 {
		t.Errorf("found %d expected routes in %+v, want 3", found, routes)
	}
}

func TestGetRouteGroup(t *testing.T) {
	tests := map[string]string{
		"/feed/{id}":       "feed",
		"/api/feeds/{id}":  "api/feeds",
		"/api/cache/stats": "api/cache",
		"/healthz":         "healthz",
		"/play/{fp}/{ref}": "play",
		"/":                "",
	}
	for path, want := range tests {
		if got := getRouteGroup(path); got != want {
			t.Errorf("getRouteGroup(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTestWriteAccess(t *testing.T) {
	if err := testWriteAccess(t.TempDir()); err != nil {
		t.Errorf("testWriteAccess() error = %v", err)
	}
	if err := testWriteAccess(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("testWriteAccess() should fail for a missing directory")
	}
}

func TestEnsureDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := ensureDirectory(dir, "test"); err != nil {
		t.Fatalf("ensureDirectory() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("directory not created: %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ensureDirectory(file, "test"); err == nil {
		t.Error("ensureDirectory() should fail for a regular file")
	}
}
