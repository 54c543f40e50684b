// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_URL becomes redis_url
// in YAML.
//
// Redis is required: it holds tenants, providers, sub-provider key pools and
// credit balances. ClickHouse and the Discord webhook are optional.
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

	// Redis holds the connection URL for the entity store, rate limiter and
	// credit ledger. Required.
	Redis RedisConfig

	// ClickHouse holds the accounting sink configuration. When the URL is
	// empty, request accounting falls back to structured log output.
	ClickHouse ClickHouseConfig

	// Auth controls caller authentication.
	Auth AuthConfig

	// Dispatch controls the retry/exclusion loop.
	Dispatch DispatchConfig

	// Fallback API keys used when a sub-provider record carries no key pool.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// DiscordWebhookURL enables operational alerts (moderation blocks,
	// billing overruns) when non-empty.
	DiscordWebhookURL string

	// HealthCheckInterval is how often background adapter probes run.
	// 0 disables the background checker. Default: 30s.
	HealthCheckInterval time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the accounting sink configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Example: clickhouse://localhost:9000/gateway
	// Leave empty to log request accounting rows via slog instead.
	URL string

	// Table is the request-log table name. Default: "api_requests".
	Table string
}

// AuthConfig controls caller authentication and key-pool decryption.
type AuthConfig struct {
	// KeySalt is prepended to bearer keys before SHA-256 hashing. Required.
	KeySalt string

	// EncryptionSecret is the AES key (16, 24 or 32 bytes) used to decrypt
	// sub-provider API key pools. Required.
	EncryptionSecret string
}

// DispatchConfig controls the retry/exclusion dispatch loop.
type DispatchConfig struct {
	// MaxAttempts is the maximum number of provider attempts per request
	// (including the first). Default: 10.
	MaxAttempts int

	// RequestTimeout is the end-to-end deadline for one gateway request.
	// Default: 120s.
	RequestTimeout time.Duration
}

// ProviderConfig holds a fallback key for a single vendor.
type ProviderConfig struct {
	// APIKey is used only when a sub-provider record has no active key.
	APIKey string

	// BaseURL overrides the vendor's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL and AUTH_KEY_SALT and KEY_ENCRYPTION_SECRET are required.
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CLICKHOUSE_TABLE", "api_requests")

	// Dispatch defaults.
	v.SetDefault("MAX_ATTEMPTS", 10)
	v.SetDefault("REQUEST_TIMEOUT", "120s")

	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			URL:   v.GetString("CLICKHOUSE_URL"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		Auth: AuthConfig{
			KeySalt:          v.GetString("AUTH_KEY_SALT"),
			EncryptionSecret: v.GetString("KEY_ENCRYPTION_SECRET"),
		},

		Dispatch: DispatchConfig{
			MaxAttempts:    v.GetInt("MAX_ATTEMPTS"),
			RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		},

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		DiscordWebhookURL: v.GetString("DISCORD_WEBHOOK_URL"),

		HealthCheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required; the gateway stores tenants, " +
				"provider pools and credit balances in Redis",
		)
	}

	if c.Auth.KeySalt == "" {
		return fmt.Errorf("config: AUTH_KEY_SALT is required for bearer key hashing")
	}

	switch len(c.Auth.EncryptionSecret) {
	case 16, 24, 32:
	case 0:
		return fmt.Errorf("config: KEY_ENCRYPTION_SECRET is required to decrypt sub-provider key pools")
	default:
		return fmt.Errorf(
			"config: KEY_ENCRYPTION_SECRET must be 16, 24 or 32 bytes, got %d",
			len(c.Auth.EncryptionSecret),
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

	// Dispatch sanity checks.
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
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
