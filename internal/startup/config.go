package startup

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/coordinator"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/mediatypes"
	"feed-transcoder/internal/provider"
	"feed-transcoder/internal/workers"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// SampleConfig returns an annotated configuration file with every option
// at its default.
func SampleConfig() string {
	return sampleConfig
}

// Store backends
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Range policies for byte-range requests against an artifact that is still
// being produced.
const (
	RangePolicyBlock  = "block"
	RangePolicyReject = "reject"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size written as a human-readable string such as "10GiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) String() string {
	if b <= 0 {
		return "0"
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return ByteSize(n), nil
}

// RedisConfig locates the artifact cache.
type RedisConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig selects the artifact store backend.
type StoreConfig struct {
	Backend   string `toml:"backend"`
	ChunkSize int    `toml:"chunk_size"`
}

// ProviderConfig selects the transcoding backend.
type ProviderConfig struct {
	Name       string `toml:"name"`
	FFmpegPath string `toml:"ffmpeg_path"`
	RemoteURL  string `toml:"remote_url"`
}

// TranscodeConfig holds the default target params and production limits.
type TranscodeConfig struct {
	Codec         string   `toml:"codec"`
	Bitrate       int      `toml:"bitrate"`
	SampleRate    int      `toml:"sample_rate"`
	Channels      int      `toml:"channels"`
	Timeout       Duration `toml:"timeout"`
	Workers       int      `toml:"workers"`
	ConsumerQueue int      `toml:"consumer_queue_chunks"`
	ConsumerStall Duration `toml:"consumer_stall_timeout"`
	AbandonPolicy string   `toml:"abandon_policy"`
	RangePolicy   string   `toml:"range_policy"`
}

// EvictionConfig bounds the artifact cache.
type EvictionConfig struct {
	MaxBytes     ByteSize `toml:"max_bytes"`
	MaxArtifacts int      `toml:"max_artifacts"`
	Interval     Duration `toml:"interval"`
}

// FeedConfig controls upstream feed fetching.
type FeedConfig struct {
	FetchTimeout Duration `toml:"fetch_timeout"`
	MaxBytes     ByteSize `toml:"max_bytes"`
	UserAgent    string   `toml:"user_agent"`
}

// AdminConfig protects the admin API.
type AdminConfig struct {
	// PasswordHash is a bcrypt hash; empty disables the admin API.
	PasswordHash string `toml:"password_hash"`
}

// Config holds all application configuration
type Config struct {
	Port            string `toml:"port"`
	MetricsPort     string `toml:"metrics_port"`
	MetricsEnabled  bool   `toml:"metrics_enabled"`
	PublicBaseURL   string `toml:"public_base_url"`
	DatabaseDir     string `toml:"database_dir"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	LogHealthChecks bool   `toml:"log_health_checks"`

	Redis     RedisConfig     `toml:"redis"`
	Store     StoreConfig     `toml:"store"`
	Provider  ProviderConfig  `toml:"provider"`
	Transcode TranscodeConfig `toml:"transcode"`
	Eviction  EvictionConfig  `toml:"eviction"`
	Feed      FeedConfig      `toml:"feed"`
	Admin     AdminConfig     `toml:"admin"`

	// Derived values, set by Load
	DatabasePath  string                    `toml:"-"`
	ProviderKind  provider.Kind             `toml:"-"`
	Params        fingerprint.Params        `toml:"-"`
	AbandonPolicy coordinator.AbandonPolicy `toml:"-"`
	Workers       int                       `toml:"-"`
	ConfigFile    string                    `toml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            "8080",
		MetricsPort:     "9090",
		MetricsEnabled:  true,
		PublicBaseURL:   "http://localhost:8080",
		DatabaseDir:     "/database",
		LogLevel:        "info",
		LogFormat:       "text",
		LogHealthChecks: true,
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			KeyPrefix: artifact.DefaultKeyPrefix,
		},
		Store: StoreConfig{
			Backend:   BackendRedis,
			ChunkSize: artifact.DefaultChunkSize,
		},
		Provider: ProviderConfig{
			Name:       string(provider.KindFFmpeg),
			FFmpegPath: "ffmpeg",
		},
		Transcode: TranscodeConfig{
			Codec:         string(mediatypes.CodecMP3),
			Bitrate:       96,
			Timeout:       Duration{30 * time.Minute},
			ConsumerQueue: coordinator.DefaultConsumerQueue,
			ConsumerStall: Duration{coordinator.DefaultConsumerStall},
			AbandonPolicy: coordinator.RunToCompletion.String(),
			RangePolicy:   RangePolicyReject,
		},
		Eviction: EvictionConfig{
			MaxBytes: 10 << 30,
			Interval: Duration{10 * time.Minute},
		},
		Feed: FeedConfig{
			FetchTimeout: Duration{20 * time.Second},
			MaxBytes:     16 << 20,
			UserAgent:    "feed-transcoder/" + Version,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, then environment variables. Invalid values fall back to their
// defaults with a warning; an unknown backend, provider or codec is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config %s: %s", path, strict.String())
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.MetricsPort = getEnv("METRICS_PORT", c.MetricsPort)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.DatabaseDir = getEnv("DATABASE_DIR", c.DatabaseDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogHealthChecks = getEnvBool("LOG_HEALTH_CHECKS", c.LogHealthChecks)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.ChunkSize = getEnvInt("STORE_CHUNK_SIZE", c.Store.ChunkSize)

	c.Provider.Name = getEnv("PROVIDER", c.Provider.Name)
	c.Provider.FFmpegPath = getEnv("FFMPEG_PATH", c.Provider.FFmpegPath)
	c.Provider.RemoteURL = getEnv("REMOTE_PROVIDER_URL", c.Provider.RemoteURL)

	c.Transcode.Codec = getEnv("TARGET_CODEC", c.Transcode.Codec)
	c.Transcode.Bitrate = getEnvInt("TARGET_BITRATE", c.Transcode.Bitrate)
	c.Transcode.SampleRate = getEnvInt("TARGET_SAMPLE_RATE", c.Transcode.SampleRate)
	c.Transcode.Channels = getEnvInt("TARGET_CHANNELS", c.Transcode.Channels)
	c.Transcode.Timeout.Duration = getEnvDuration("TRANSCODE_TIMEOUT", c.Transcode.Timeout.Duration)
	c.Transcode.Workers = getEnvInt(workers.EnvOverride, c.Transcode.Workers)
	c.Transcode.ConsumerQueue = getEnvInt("CONSUMER_QUEUE_CHUNKS", c.Transcode.ConsumerQueue)
	c.Transcode.ConsumerStall.Duration = getEnvDuration("CONSUMER_STALL_TIMEOUT", c.Transcode.ConsumerStall.Duration)
	c.Transcode.AbandonPolicy = getEnv("ABANDON_POLICY", c.Transcode.AbandonPolicy)
	c.Transcode.RangePolicy = getEnv("RANGE_POLICY", c.Transcode.RangePolicy)

	c.Eviction.MaxBytes = getEnvByteSize("EVICT_MAX_BYTES", c.Eviction.MaxBytes)
	c.Eviction.MaxArtifacts = getEnvInt("EVICT_MAX_ARTIFACTS", c.Eviction.MaxArtifacts)
	c.Eviction.Interval.Duration = getEnvDuration("EVICT_INTERVAL", c.Eviction.Interval.Duration)

	c.Feed.FetchTimeout.Duration = getEnvDuration("FEED_FETCH_TIMEOUT", c.Feed.FetchTimeout.Duration)

	c.Admin.PasswordHash = getEnv("ADMIN_PASSWORD_HASH", c.Admin.PasswordHash)
}

// normalize validates values and fills in derived fields.
func (c *Config) normalize() error {
	def := Default()

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q (want redis or memory)", c.Store.Backend)
	}

	kind, err := provider.ParseKind(c.Provider.Name)
	if err != nil {
		return err
	}
	c.ProviderKind = kind
	if kind == provider.KindRemote && c.Provider.RemoteURL == "" {
		return errors.New("provider remote requires REMOTE_PROVIDER_URL")
	}

	codec, ok := mediatypes.ParseCodec(c.Transcode.Codec)
	if !ok {
		return fmt.Errorf("unknown target codec %q", c.Transcode.Codec)
	}
	params, err := fingerprint.Params{
		Codec:        codec,
		BitrateKbps:  c.Transcode.Bitrate,
		SampleRateHz: c.Transcode.SampleRate,
		Channels:     c.Transcode.Channels,
	}.Normalize()
	if err != nil {
		logging.Warn("Invalid target params (%v), using defaults", err)
		params = fingerprint.Params{Codec: codec, BitrateKbps: def.Transcode.Bitrate}
	}
	c.Params = params

	base, err := url.Parse(strings.TrimRight(c.PublicBaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL %q must be an absolute http(s) URL", c.PublicBaseURL)
	}
	c.PublicBaseURL = base.String()

	policy, err := coordinator.ParseAbandonPolicy(c.Transcode.AbandonPolicy)
	if err != nil {
		logging.Warn("Invalid ABANDON_POLICY %q, using default: %s", c.Transcode.AbandonPolicy, def.Transcode.AbandonPolicy)
		policy = coordinator.RunToCompletion
	}
	c.AbandonPolicy = policy
	c.Transcode.AbandonPolicy = policy.String()

	c.Transcode.RangePolicy = strings.ToLower(strings.TrimSpace(c.Transcode.RangePolicy))
	if c.Transcode.RangePolicy != RangePolicyBlock && c.Transcode.RangePolicy != RangePolicyReject {
		logging.Warn("Invalid RANGE_POLICY %q, using default: %s", c.Transcode.RangePolicy, def.Transcode.RangePolicy)
		c.Transcode.RangePolicy = def.Transcode.RangePolicy
	}

	if c.Store.ChunkSize < 4096 || c.Store.ChunkSize > 16<<20 {
		logging.Warn("STORE_CHUNK_SIZE %d out of range (4KiB-16MiB), using default: %d", c.Store.ChunkSize, def.Store.ChunkSize)
		c.Store.ChunkSize = def.Store.ChunkSize
	}
	if c.Transcode.ConsumerQueue <= 0 {
		c.Transcode.ConsumerQueue = def.Transcode.ConsumerQueue
	}
	if c.Transcode.ConsumerStall.Duration <= 0 {
		c.Transcode.ConsumerStall = def.Transcode.ConsumerStall
	}
	if c.Transcode.Timeout.Duration < 0 {
		c.Transcode.Timeout = def.Transcode.Timeout
	}
	if c.Feed.FetchTimeout.Duration <= 0 {
		c.Feed.FetchTimeout = def.Feed.FetchTimeout
	}
	if c.Feed.MaxBytes <= 0 {
		c.Feed.MaxBytes = def.Feed.MaxBytes
	}
	if c.Eviction.MaxBytes < 0 {
		c.Eviction.MaxBytes = 0
	}
	if c.Eviction.MaxArtifacts < 0 {
		c.Eviction.MaxArtifacts = 0
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		logging.Warn("Invalid REDIS_PORT %d, using default: %d", c.Redis.Port, def.Redis.Port)
		c.Redis.Port = def.Redis.Port
	}

	switch {
	case c.Transcode.Workers > 0:
		c.Workers = c.Transcode.Workers
	case kind == provider.KindRemote:
		c.Workers = workers.ForRemote(0)
	default:
		c.Workers = workers.ForTranscode(0)
	}

	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		logging.Warn("Invalid LOG_LEVEL %q, using default: info", c.LogLevel)
		c.LogLevel = "info"
	}

	dir, err := filepath.Abs(c.DatabaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	c.DatabaseDir = dir
	c.DatabasePath = filepath.Join(dir, "feeds.db")

	return nil
}

// Limits returns the eviction limits.
func (c *Config) Limits() artifact.Limits {
	return artifact.Limits{
		MaxBytes:     int64(c.Eviction.MaxBytes),
		MaxArtifacts: c.Eviction.MaxArtifacts,
	}
}

// AdminEnabled reports whether the admin API is served.
func (c *Config) AdminEnabled() bool {
	return c.Admin.PasswordHash != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvByteSize(key string, defaultValue ByteSize) ByteSize {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := parseByteSize(value)
	if err != nil {
		logging.Warn("Invalid size value for %s: %q, using default: %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
