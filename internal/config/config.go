// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example UPSTREAM_PROVIDER becomes
// upstream_provider in YAML.
//
// The gateway serves exactly one upstream provider per process; which one is
// selected by UPSTREAM_PROVIDER. Credentials come from a directory of JSON
// files (CRED_STORE=file) or from Redis (CRED_STORE=redis). Redis is also
// optional for caching — set CACHE_MODE=memory to run with no external
// dependencies at all.
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

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream selects and configures the single upstream provider.
	Upstream UpstreamConfig

	// Credentials configures the credential store and pool policy.
	Credentials CredentialConfig

	// Dispatch configures the retry policy around upstream calls.
	Dispatch DispatchConfig

	// Continuation configures truncated-response resumption.
	Continuation ContinuationConfig

	// Redis holds the connection URL for the Redis-backed cache, rate
	// limiter, and credential store. Required only when one of those is
	// configured to use Redis.
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// ClickHouse configures the optional request-log sink.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig selects the upstream provider for this process.
type UpstreamConfig struct {
	// Provider is one of: gemini, openai, anthropic. Default: gemini.
	Provider string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// CredentialConfig controls the credential store and pool.
type CredentialConfig struct {
	// StoreMode selects the credential backend:
	//   "file"  — one JSON file per credential under Dir.
	//   "redis" — shared credential set in Redis (requires REDIS_URL).
	// Default: "file".
	StoreMode string

	// Dir is the credential directory for StoreMode=file. Default: "./credentials".
	Dir string

	// OAuthTokenURL is the OAuth token endpoint used to refresh expiring
	// credentials. Leave empty for static API keys (refresh then always
	// fails over to banning).
	OAuthTokenURL string

	// OAuthClientID / OAuthClientSecret identify the OAuth app the refresh
	// tokens were issued to.
	OAuthClientID     string
	OAuthClientSecret string

	// RefreshTimeout bounds one token refresh call. Default: 15s.
	RefreshTimeout time.Duration

	// BanCooldown, when > 0, makes bans temporary: the credential returns
	// to rotation after the cooldown. Default: 0 (bans are permanent until
	// an operator re-activates the credential).
	BanCooldown time.Duration

	// AutoBan enables automatic banning on permission_denied responses and
	// failed token refreshes. Default: true.
	AutoBan bool
}

// DispatchConfig controls the retry policy.
type DispatchConfig struct {
	// MaxRetries is the number of retries after the first attempt
	// (total attempts = MaxRetries + 1). Default: 3.
	MaxRetries int

	// BackoffBase seeds the exponential backoff for server and network
	// faults. Default: 1s.
	BackoffBase time.Duration

	// RetryDelay is the fixed pause after a mid-request credential ban.
	// Default: 500ms.
	RetryDelay time.Duration

	// PerAttemptTimeout bounds one buffered upstream exchange. Default: 30s.
	PerAttemptTimeout time.Duration
}

// ContinuationConfig controls truncated-response resumption.
type ContinuationConfig struct {
	// MaxContinuations caps follow-up requests per logical response.
	// 0 disables continuation entirely. Default: 3.
	MaxContinuations int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ClickHouseConfig holds the optional ClickHouse request-log sink.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Empty disables the sink.
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
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

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_PROVIDER", "gemini")

	// Credential store defaults.
	v.SetDefault("CRED_STORE", "file")
	v.SetDefault("CREDENTIALS_DIR", "./credentials")
	v.SetDefault("REFRESH_TIMEOUT", "15s")
	v.SetDefault("BAN_COOLDOWN", "0s")
	v.SetDefault("AUTO_BAN", true)

	// Dispatch defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BACKOFF_BASE", "1s")
	v.SetDefault("RETRY_DELAY", "500ms")
	v.SetDefault("PER_ATTEMPT_TIMEOUT", "30s")

	// Continuation defaults.
	v.SetDefault("MAX_CONTINUATIONS", 3)

	// Cache defaults.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			Provider: strings.ToLower(v.GetString("UPSTREAM_PROVIDER")),
			BaseURL:  v.GetString("UPSTREAM_BASE_URL"),
		},

		Credentials: CredentialConfig{
			StoreMode:         strings.ToLower(v.GetString("CRED_STORE")),
			Dir:               v.GetString("CREDENTIALS_DIR"),
			OAuthTokenURL:     v.GetString("OAUTH_TOKEN_URL"),
			OAuthClientID:     v.GetString("OAUTH_CLIENT_ID"),
			OAuthClientSecret: v.GetString("OAUTH_CLIENT_SECRET"),
			RefreshTimeout:    v.GetDuration("REFRESH_TIMEOUT"),
			BanCooldown:       v.GetDuration("BAN_COOLDOWN"),
			AutoBan:           v.GetBool("AUTO_BAN"),
		},

		Dispatch: DispatchConfig{
			MaxRetries:        v.GetInt("MAX_RETRIES"),
			BackoffBase:       v.GetDuration("BACKOFF_BASE"),
			RetryDelay:        v.GetDuration("RETRY_DELAY"),
			PerAttemptTimeout: v.GetDuration("PER_ATTEMPT_TIMEOUT"),
		},

		Continuation: ContinuationConfig{
			MaxContinuations: v.GetInt("MAX_CONTINUATIONS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Upstream.Provider {
	case "gemini", "openai", "anthropic":
	default:
		return fmt.Errorf(
			"config: invalid UPSTREAM_PROVIDER %q; must be one of: gemini, openai, anthropic",
			c.Upstream.Provider,
		)
	}

	switch c.Credentials.StoreMode {
	case "file":
		if c.Credentials.Dir == "" {
			return fmt.Errorf("config: CREDENTIALS_DIR is required when CRED_STORE=file")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when CRED_STORE=redis")
		}
	default:
		return fmt.Errorf(
			"config: invalid CRED_STORE %q; must be one of: file, redis",
			c.Credentials.StoreMode,
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("config: BACKOFF_BASE must be a positive duration")
	}
	if c.Dispatch.PerAttemptTimeout <= 0 {
		return fmt.Errorf("config: PER_ATTEMPT_TIMEOUT must be a positive duration")
	}
	if c.Continuation.MaxContinuations < 0 {
		return fmt.Errorf("config: MAX_CONTINUATIONS must be ≥ 0, got %d", c.Continuation.MaxContinuations)
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
