// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Durations are configured in milliseconds (the *_MS suffix) so every knob is
// a plain integer in the environment.
//
// At least one provider API key is required for the gateway to start: the
// request pipeline has nothing to route to otherwise.
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
	// Host is the interface the HTTP server binds to. Default: "0.0.0.0".
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 3000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DefaultProvider serves requests that do not name a provider.
	// One of: openai, anthropic, gemini. Default: openai.
	DefaultProvider string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// RateLimit controls the per-client fixed-window limiter.
	RateLimit RateLimitConfig

	// Retry controls the backoff schedule around provider calls.
	Retry RetryConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Coalesce controls concurrent duplicate-request collapsing.
	Coalesce CoalesceConfig

	// Idempotency controls the replay store for X-Idempotency-Key.
	Idempotency IdempotencyConfig

	// RequestTimeout caps one orchestrated request including retries, unless
	// the request body carries its own timeout. Default: 30s.
	RequestTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// Max is the request budget per client per window. Default: 100.
	Max int

	// Window is the fixed-window length. Default: 60s.
	Window time.Duration
}

// RetryConfig controls the retry schedule around each provider call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt; it doubles per
	// attempt. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth. Default: 5s.
	MaxDelay time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThresholdPct is the failure percentage over the rolling window
	// that trips the breaker. Default: 50.
	ErrorThresholdPct int

	// MinSamples is the minimum number of outcomes in the window before the
	// error rate is evaluated. Default: 5.
	MinSamples int

	// Window is the rolling window over which outcomes are counted.
	// Default: 60s.
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 60s.
	ResetTimeout time.Duration

	// CallTimeout bounds each individual provider call. Default: 30s.
	CallTimeout time.Duration
}

// CoalesceConfig controls duplicate-request coalescing.
type CoalesceConfig struct {
	// Enabled toggles coalescing. Default: true.
	Enabled bool

	// Window is how long a completed in-flight entry may still be joined.
	// Default: 100ms.
	Window time.Duration
}

// IdempotencyConfig controls the replay store.
type IdempotencyConfig struct {
	// TTL is how long stored responses stay replayable. Default: 1h.
	TTL time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
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
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 3000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_PROVIDER", "openai")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limiter defaults.
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 60_000)

	// Retry defaults.
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_DELAY_MS", 100)
	v.SetDefault("RETRY_MAX_DELAY_MS", 5_000)

	// Circuit breaker defaults.
	v.SetDefault("CIRCUIT_ERROR_THRESHOLD", 50)
	v.SetDefault("CIRCUIT_MIN_SAMPLES", 5)
	v.SetDefault("CIRCUIT_WINDOW_MS", 60_000)
	v.SetDefault("CIRCUIT_RESET_TIMEOUT_MS", 60_000)
	v.SetDefault("CIRCUIT_TIMEOUT_MS", 30_000)

	// Coalescing defaults.
	v.SetDefault("COALESCE_ENABLED", true)
	v.SetDefault("COALESCE_WINDOW_MS", 100)

	// Idempotency and request budget defaults.
	v.SetDefault("IDEMPOTENCY_TTL_MS", 3_600_000)
	v.SetDefault("REQUEST_TIMEOUT_MS", 30_000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:            v.GetString("HOST"),
		Port:            v.GetInt("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		RateLimit: RateLimitConfig{
			Max:    v.GetInt("RATE_LIMIT_MAX"),
			Window: msDuration(v, "RATE_LIMIT_WINDOW_MS"),
		},

		Retry: RetryConfig{
			MaxAttempts:  v.GetInt("RETRY_MAX_ATTEMPTS"),
			InitialDelay: msDuration(v, "RETRY_INITIAL_DELAY_MS"),
			MaxDelay:     msDuration(v, "RETRY_MAX_DELAY_MS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThresholdPct: v.GetInt("CIRCUIT_ERROR_THRESHOLD"),
			MinSamples:        v.GetInt("CIRCUIT_MIN_SAMPLES"),
			Window:            msDuration(v, "CIRCUIT_WINDOW_MS"),
			ResetTimeout:      msDuration(v, "CIRCUIT_RESET_TIMEOUT_MS"),
			CallTimeout:       msDuration(v, "CIRCUIT_TIMEOUT_MS"),
		},

		Coalesce: CoalesceConfig{
			Enabled: v.GetBool("COALESCE_ENABLED"),
			Window:  msDuration(v, "COALESCE_WINDOW_MS"),
		},

		Idempotency: IdempotencyConfig{
			TTL: msDuration(v, "IDEMPOTENCY_TTL_MS"),
		},

		RequestTimeout: msDuration(v, "REQUEST_TIMEOUT_MS"),

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
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	switch c.DefaultProvider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf(
			"config: invalid DEFAULT_PROVIDER %q; must be one of: openai, anthropic, gemini",
			c.DefaultProvider,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW_MS must be a positive duration")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("config: RETRY_INITIAL_DELAY_MS must be a positive duration")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("config: RETRY_MAX_DELAY_MS must be ≥ RETRY_INITIAL_DELAY_MS")
	}

	if c.CircuitBreaker.ErrorThresholdPct < 1 || c.CircuitBreaker.ErrorThresholdPct > 100 {
		return fmt.Errorf("config: CIRCUIT_ERROR_THRESHOLD must be in 1..100, got %d", c.CircuitBreaker.ErrorThresholdPct)
	}
	if c.CircuitBreaker.MinSamples < 1 {
		return fmt.Errorf("config: CIRCUIT_MIN_SAMPLES must be ≥ 1, got %d", c.CircuitBreaker.MinSamples)
	}
	if c.CircuitBreaker.Window <= 0 {
		return fmt.Errorf("config: CIRCUIT_WINDOW_MS must be a positive duration")
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_RESET_TIMEOUT_MS must be a positive duration")
	}
	if c.CircuitBreaker.CallTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_TIMEOUT_MS must be a positive duration")
	}

	if c.Coalesce.Enabled && c.Coalesce.Window <= 0 {
		return fmt.Errorf("config: COALESCE_WINDOW_MS must be a positive duration when coalescing is enabled")
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("config: IDEMPOTENCY_TTL_MS must be a positive duration")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT_MS must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// msDuration reads an integer environment value as a millisecond count.
func msDuration(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
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
