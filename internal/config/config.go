// Package config loads and validates all runtime configuration for the
// gateway, generalized from a provider-key-oriented Config to
// one describing local engines, admission policy, and rate limiting.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EngineConfig describes one statically-seeded engine entry, mirroring the
// body of POST /engines (spec §6) so the same shape can be used at startup
// and over the API.
type EngineConfig struct {
	ID            string
	Path          string
	LoadParams    map[string]any
	GPUID         int
	LoadAtStartup bool
}

// CORSConfig is the YAML/env-facing shape of the CORS policy (spec §3).
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// APIKeyConfig is the YAML/env-facing shape of the API-key policy (spec §3).
type APIKeyConfig struct {
	Enabled    bool
	Required   bool
	HeaderName string
	Keys       []string
}

// RateLimitConfig controls the sliding-window rate limiter (spec §4.1).
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowSeconds int
	// Backend selects the limiter implementation: "memory" (default, spec
	// mandates this as the default) or "redis" for distributed deployments.
	Backend string
}

// ClickHouseConfig, when URL is set, enables the async request-log sink —
// an optional second logSink alongside the slog-based one.
type ClickHouseConfig struct {
	URL   string
	Table string
}

// RedisConfig holds the Redis connection URL used by the distributed
// rate-limiter backend.
type RedisConfig struct {
	URL string
}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// WorkerPoolSize is read from WORKER_POOL_SIZE (default 0). It is not
	// passed to the HTTP server: fasthttp runs with its own concurrency
	// default whatever this is set to.
	WorkerPoolSize int

	// RequestTimeout applies to non-streaming responses only (spec §5).
	RequestTimeout time.Duration

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	CORS      CORSConfig
	APIKey    APIKeyConfig
	RateLimit RateLimitConfig

	// Engines is the static seed list loaded at startup; entries with
	// LoadAtStartup=true are eagerly loaded via Registry.Add, the rest are
	// merely Registered for lazy load.
	Engines []EngineConfig

	// ModelsDir is where downloaded model files are written.
	ModelsDir string

	// IdleTimeout bounds both engine idle eviction (spec §4.4) and the
	// graceful-shutdown drain window (spec §5).
	IdleTimeout time.Duration

	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("WORKER_POOL_SIZE", 0)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CORS_ENABLED", true)
	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"})
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("CORS_MAX_AGE_SECONDS", 600)

	v.SetDefault("API_KEY_ENABLED", false)
	v.SetDefault("API_KEY_REQUIRED", false)
	v.SetDefault("API_KEY_HEADER_NAME", "Authorization")
	v.SetDefault("API_KEYS", []string{})

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")

	v.SetDefault("MODELS_DIR", "./models")
	v.SetDefault("IDLE_TIMEOUT", "10m")

	cfg := &Config{
		Port:           v.GetInt("PORT"),
		WorkerPoolSize: v.GetInt("WORKER_POOL_SIZE"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),

		CORS: CORSConfig{
			Enabled:          v.GetBool("CORS_ENABLED"),
			AllowedOrigins:   v.GetStringSlice("CORS_ALLOWED_ORIGINS"),
			AllowedMethods:   v.GetStringSlice("CORS_ALLOWED_METHODS"),
			AllowedHeaders:   v.GetStringSlice("CORS_ALLOWED_HEADERS"),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
			MaxAgeSeconds:    v.GetInt("CORS_MAX_AGE_SECONDS"),
		},

		APIKey: APIKeyConfig{
			Enabled:    v.GetBool("API_KEY_ENABLED"),
			Required:   v.GetBool("API_KEY_REQUIRED"),
			HeaderName: v.GetString("API_KEY_HEADER_NAME"),
			Keys:       v.GetStringSlice("API_KEYS"),
		},

		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			MaxRequests:   v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
			Backend:       strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		},

		ModelsDir:   v.GetString("MODELS_DIR"),
		IdleTimeout: v.GetDuration("IDLE_TIMEOUT"),

		ClickHouse: ClickHouseConfig{
			URL:   v.GetString("CLICKHOUSE_URL"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},
		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
	}

	if v.IsSet("ENGINES") {
		var engines []EngineConfig
		if err := v.UnmarshalKey("ENGINES", &engines); err != nil {
			return nil, fmt.Errorf("config: failed to parse ENGINES: %w", err)
		}
		cfg.Engines = engines
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// viper defaults. This is what backs the CLI's exit-1-on-bad-config
// contract (spec §6).
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_BACKEND %q; must be one of: memory, redis", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_REQUESTS must be > 0 when rate limiting is enabled, got %d", c.RateLimit.MaxRequests)
	}

	if c.APIKey.Enabled && c.APIKey.Required && len(c.APIKey.Keys) == 0 {
		return errors.New("config: API_KEYS must be non-empty when API_KEY_ENABLED and API_KEY_REQUIRED are both true")
	}

	ids := make(map[string]struct{}, len(c.Engines))
	for _, e := range c.Engines {
		if e.ID == "" {
			return errors.New("config: ENGINES entries must have a non-empty id")
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("config: duplicate engine id %q in ENGINES", e.ID)
		}
		ids[e.ID] = struct{}{}
		if e.Path == "" {
			return fmt.Errorf("config: engine %q must have a non-empty path", e.ID)
		}
	}

	if c.ModelsDir == "" {
		return errors.New("config: MODELS_DIR must not be empty")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
