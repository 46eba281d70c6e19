// Package config provides configuration loading and validation for the presence server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Registry backends.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config holds all configuration values for the presence server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Persistence. An empty DatabaseURL keeps the collaborator in memory.
	DatabaseURL          string `koanf:"database_url"`
	WriteBehindQueueSize int    `koanf:"write_behind_queue_size"`

	// Registry
	RegistryBackend string        `koanf:"registry_backend"`
	RedisURL        string        `koanf:"redis_url"`
	PresenceTTL     time.Duration `koanf:"presence_ttl"`
	// InactiveRetention is how long ended sessions stay queryable in memory.
	InactiveRetention time.Duration `koanf:"inactive_retention"`

	// Periodic tasks
	ReaperInterval   time.Duration `koanf:"reaper_interval"`
	RealtimeInterval time.Duration `koanf:"realtime_interval"`
	ArchiveInterval  time.Duration `koanf:"archive_interval"`

	// Fan-out
	SampleRate         float64       `koanf:"sample_rate"`
	SampleBurst        int           `koanf:"sample_burst"`
	FanoutQueueSize    int           `koanf:"fanout_queue_size"`
	FanoutWriteTimeout time.Duration `koanf:"fanout_write_timeout"`

	// HTTP ingest limit per client IP and minute
	IngestRateLimit int `koanf:"ingest_rate_limit"`

	// Operator authentication
	AdminJWTSecret         string `koanf:"admin_jwt_secret"`
	AdminJWTPreviousSecret string `koanf:"admin_jwt_previous_secret"`

	// LiveKit (optional, terminates live-room participants on force disconnect)
	LiveKitURL       string `koanf:"livekit_url"`
	LiveKitAPIKey    string `koanf:"livekit_api_key"`
	LiveKitAPISecret string `koanf:"livekit_api_secret"`

	// Archive mirror (S3 compatible object storage, optional)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveKeyPrefix       string `koanf:"archive_key_prefix"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingAdminJWTSecret     = errors.New("ADMIN_JWT_SECRET is required")
	ErrMissingDatabaseURL        = errors.New("DATABASE_URL is required in production")
	ErrMissingRedisURL           = errors.New("REDIS_URL is required when REGISTRY_BACKEND=redis")
	ErrInvalidRegistryBackend    = errors.New("REGISTRY_BACKEND must be memory or redis")
	ErrInvalidPort               = errors.New("PORT must be a valid integer")
	ErrInvalidDuration           = errors.New("must be a valid positive duration")
	ErrInvalidNumber             = errors.New("must be a valid number")
	ErrIncompleteLiveKit         = errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	ErrMissingArchiveBucket      = errors.New("ARCHIVE_BUCKET is required when archive credentials are set")
	ErrMissingArchiveCredentials = errors.New("ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY are required when ARCHIVE_BUCKET is set")
	ErrInvalidSamplingRate       = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultRegistryBackend      = RegistryMemory
	DefaultPresenceTTL          = 30 * time.Second
	DefaultInactiveRetention    = 24 * time.Hour
	DefaultReaperInterval       = 60 * time.Second
	DefaultRealtimeInterval     = 3 * time.Second
	DefaultArchiveInterval      = 5 * time.Minute
	DefaultSampleRate           = 20.0
	DefaultSampleBurst          = 50
	DefaultFanoutQueueSize      = 64
	DefaultFanoutWriteTimeout   = 5 * time.Second
	DefaultWriteBehindQueueSize = 4096
	DefaultIngestRateLimit      = 600
	DefaultTracingExporter      = "otlp-http"
	DefaultTracingSamplingRate  = 0.1
)

// loader collects parse errors while reading keys with env > file > default precedence.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	l := &loader{k: k}
	cfg := &Config{
		Port:                 l.port(),
		Env:                  l.stringMulti([]string{"LIVEPRESENCE_ENV", "ENV"}, "env", DefaultEnv),
		DatabaseURL:          l.stringVal("DATABASE_URL", "database_url", ""),
		WriteBehindQueueSize: l.intVal("WRITE_BEHIND_QUEUE_SIZE", "write_behind_queue_size", DefaultWriteBehindQueueSize),

		RegistryBackend:   strings.ToLower(l.stringVal("REGISTRY_BACKEND", "registry_backend", DefaultRegistryBackend)),
		RedisURL:          l.stringVal("REDIS_URL", "redis_url", ""),
		PresenceTTL:       l.durationVal("PRESENCE_TTL", "presence_ttl", DefaultPresenceTTL),
		InactiveRetention: l.durationVal("INACTIVE_RETENTION", "inactive_retention", DefaultInactiveRetention),

		ReaperInterval:   l.durationVal("REAPER_INTERVAL", "reaper_interval", DefaultReaperInterval),
		RealtimeInterval: l.durationVal("REALTIME_INTERVAL", "realtime_interval", DefaultRealtimeInterval),
		ArchiveInterval:  l.durationVal("ARCHIVE_INTERVAL", "archive_interval", DefaultArchiveInterval),

		SampleRate:         l.floatVal("SAMPLE_RATE", "sample_rate", DefaultSampleRate),
		SampleBurst:        l.intVal("SAMPLE_BURST", "sample_burst", DefaultSampleBurst),
		FanoutQueueSize:    l.intVal("FANOUT_QUEUE_SIZE", "fanout_queue_size", DefaultFanoutQueueSize),
		FanoutWriteTimeout: l.durationVal("FANOUT_WRITE_TIMEOUT", "fanout_write_timeout", DefaultFanoutWriteTimeout),

		IngestRateLimit: l.intVal("INGEST_RATE_LIMIT", "ingest_rate_limit", DefaultIngestRateLimit),

		AdminJWTSecret:         l.stringVal("ADMIN_JWT_SECRET", "admin_jwt_secret", ""),
		AdminJWTPreviousSecret: l.stringVal("ADMIN_JWT_PREVIOUS_SECRET", "admin_jwt_previous_secret", ""),

		LiveKitURL:       l.stringVal("LIVEKIT_URL", "livekit_url", ""),
		LiveKitAPIKey:    l.stringVal("LIVEKIT_API_KEY", "livekit_api_key", ""),
		LiveKitAPISecret: l.stringVal("LIVEKIT_API_SECRET", "livekit_api_secret", ""),

		ArchiveBucket:          l.stringVal("ARCHIVE_BUCKET", "archive_bucket", ""),
		ArchiveEndpoint:        l.stringVal("ARCHIVE_ENDPOINT", "archive_endpoint", ""),
		ArchiveRegion:          l.stringVal("ARCHIVE_REGION", "archive_region", ""),
		ArchiveAccessKeyID:     l.stringVal("ARCHIVE_ACCESS_KEY_ID", "archive_access_key_id", ""),
		ArchiveSecretAccessKey: l.stringVal("ARCHIVE_SECRET_ACCESS_KEY", "archive_secret_access_key", ""),
		ArchiveKeyPrefix:       l.stringVal("ARCHIVE_KEY_PREFIX", "archive_key_prefix", ""),

		TracingEnabled:      l.boolVal("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:     l.stringVal("TRACING_EXPORTER", "tracing_exporter", DefaultTracingExporter),
		TracingEndpoint:     l.stringVal("OTEL_EXPORTER_OTLP_ENDPOINT", "tracing_endpoint", ""),
		TracingSamplingRate: l.floatVal("TRACING_SAMPLING_RATE", "tracing_sampling_rate", DefaultTracingSamplingRate),
		TracingInsecure:     l.boolVal("TRACING_INSECURE", "tracing_insecure", false),
	}

	return cfg, append(l.errs, cfg.Validate()...)
}

// port reads LIVEPRESENCE_PORT, then PORT.
func (l *loader) port() int {
	for _, key := range []string{"LIVEPRESENCE_PORT", "PORT"} {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", key, val, ErrInvalidPort))
				return 0
			}
			return i
		}
	}
	if v := l.k.Int("port"); v != 0 {
		return v
	}
	return DefaultPort
}

func (l *loader) stringVal(envKey, koanfKey, defaultVal string) string {
	return l.stringMulti([]string{envKey}, koanfKey, defaultVal)
}

// stringMulti tries several environment keys in order before the file value and default.
func (l *loader) stringMulti(envKeys []string, koanfKey, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if v := l.k.String(koanfKey); v != "" {
		return v
	}
	return defaultVal
}

func (l *loader) intVal(envKey, koanfKey string, defaultVal int) int {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil || i < 0 {
			l.errs = append(l.errs, fmt.Errorf("%s %w", envKey, ErrInvalidNumber))
			return defaultVal
		}
		return i
	}
	if v := l.k.Int(koanfKey); v != 0 {
		return v
	}
	return defaultVal
}

func (l *loader) floatVal(envKey, koanfKey string, defaultVal float64) float64 {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s %w", envKey, ErrInvalidNumber))
			return defaultVal
		}
		return f
	}
	if l.k.Exists(koanfKey) {
		return l.k.Float64(koanfKey)
	}
	return defaultVal
}

// duration accepts Go duration strings ("30s", "5m") from env or file.
func (l *loader) durationVal(envKey, koanfKey string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(envKey)
	source := envKey
	if raw == "" {
		raw = l.k.String(koanfKey)
		source = koanfKey
	}
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("%s %w (got %q)", source, ErrInvalidDuration, raw))
		return defaultVal
	}
	return d
}

func (l *loader) boolVal(envKey, koanfKey string, defaultVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if l.k.Exists(koanfKey) {
		return l.k.Bool(koanfKey)
	}
	return defaultVal
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LiveKitEnabled reports whether live-room termination is configured.
func (c *Config) LiveKitEnabled() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// ArchiveMirrorEnabled reports whether archived snapshots are mirrored to object storage.
func (c *Config) ArchiveMirrorEnabled() bool {
	return c.ArchiveBucket != ""
}

// Validate checks that all required configuration values are present and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.AdminJWTSecret == "" {
		errs = append(errs, ErrMissingAdminJWTSecret)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	switch c.RegistryBackend {
	case RegistryMemory:
	case RegistryRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidRegistryBackend)
	}

	set := 0
	for _, v := range []string{c.LiveKitURL, c.LiveKitAPIKey, c.LiveKitAPISecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		errs = append(errs, ErrIncompleteLiveKit)
	}

	if c.ArchiveBucket != "" && (c.ArchiveAccessKeyID == "" || c.ArchiveSecretAccessKey == "") {
		errs = append(errs, ErrMissingArchiveCredentials)
	}
	if c.ArchiveBucket == "" && (c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "") {
		errs = append(errs, ErrMissingArchiveBucket)
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      strconv.Itoa(c.Port),
		"env":                       c.Env,
		"database_url":              maskURL(c.DatabaseURL),
		"registry_backend":          c.RegistryBackend,
		"redis_url":                 maskURL(c.RedisURL),
		"presence_ttl":              c.PresenceTTL.String(),
		"reaper_interval":           c.ReaperInterval.String(),
		"realtime_interval":         c.RealtimeInterval.String(),
		"archive_interval":          c.ArchiveInterval.String(),
		"sample_rate":               strconv.FormatFloat(c.SampleRate, 'f', -1, 64),
		"fanout_queue_size":         strconv.Itoa(c.FanoutQueueSize),
		"admin_jwt_secret":          maskSecret(c.AdminJWTSecret),
		"admin_jwt_previous_secret": maskSecret(c.AdminJWTPreviousSecret),
		"livekit_url":               c.LiveKitURL,
		"livekit_api_key":           maskSecret(c.LiveKitAPIKey),
		"livekit_api_secret":        maskSecret(c.LiveKitAPISecret),
		"archive_bucket":            c.ArchiveBucket,
		"archive_endpoint":          c.ArchiveEndpoint,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"tracing_enabled":           strconv.FormatBool(c.TracingEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL (postgres://, redis://, rediss://).
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
