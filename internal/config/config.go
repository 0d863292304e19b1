// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one upstream gateway key is strictly required for the process to
// start. Redis is optional — set CACHE_MODE=memory to use the built-in
// in-process cache with no external dependencies (rate limiting is then
// disabled, suitable for single-replica development only).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// GatewayConfig holds credentials for one upstream gateway.
type GatewayConfig struct {
	// APIKey is the upstream credential. Leave empty to disable the gateway.
	APIKey string

	// BaseURL overrides the upstream's default API endpoint. Useful for
	// local mocks and development.
	BaseURL string
}

// VertexConfig holds Google Vertex AI configuration. Auth comes from an
// inline service-account key when CredentialsJSON is set, otherwise from
// Application Default Credentials.
type VertexConfig struct {
	ProjectID       string
	Location        string
	CredentialsJSON string
}

// TrialConfig sizes the free allowance granted at registration.
type TrialConfig struct {
	Credits  float64
	Tokens   int64
	Requests int64
	Days     int
}

// LimitsConfig holds the default per-key admission caps. Zero disables a
// dimension.
type LimitsConfig struct {
	PerMinute  int
	PerHour    int
	PerDay     int
	Concurrent int
}

// RouterConfig holds the failover engine budgets.
type RouterConfig struct {
	MaxAttempts        int
	RequestTimeout     time.Duration
	AttemptTimeout     time.Duration
	StreamIdle         time.Duration
	GatewayConcurrency int
}

// CatalogConfig holds the model catalog cache windows.
type CatalogConfig struct {
	TTL      time.Duration
	StaleTTL time.Duration

	// HuggingFaceSorts is the multi-sort harvest rotation.
	HuggingFaceSorts []string
}

// ClickHouseConfig enables the analytics sink when Addr is set.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Environment is the deployment tier (live, test, staging, dev). API keys
	// carry the tier in their prefix; mismatches are rejected.
	Environment string

	// Upstream gateways, canonical slug order.
	OpenRouter  GatewayConfig
	Vercel      GatewayConfig
	Fireworks   GatewayConfig
	Together    GatewayConfig
	Groq        GatewayConfig
	DeepInfra   GatewayConfig
	Cerebras    GatewayConfig
	XAI         GatewayConfig
	Novita      GatewayConfig
	Nebius      GatewayConfig
	Chutes      GatewayConfig
	Featherless GatewayConfig
	Near        GatewayConfig
	AIMO        GatewayConfig
	Anthropic   GatewayConfig
	Portkey     GatewayConfig
	HuggingFace GatewayConfig
	Fal         GatewayConfig

	// Google Vertex AI (ADC, no API key).
	Vertex VertexConfig

	// DatabaseDSN is the SQLite path (or :memory:). Read from DATABASE_URL,
	// falling back to DATABASE_DSN.
	DatabaseDSN string

	// RedisURL backs the cache tier and rate limiter when CacheMode is redis.
	// Read from REDIS_URL, falling back to CACHE_URL.
	RedisURL string

	// CacheMode selects the cache backend: redis, memory or none.
	CacheMode string

	// KeyHashSalt is the deterministic salt for the api-key lookup hash.
	KeyHashSalt string

	// KeyVersion selects the active keyring entry; Keyring maps version to
	// 32-byte key material (KEYRING_<n>). Empty disables at-rest sealing.
	KeyVersion int
	Keyring    map[int]string

	Limits  LimitsConfig
	Router  RouterConfig
	Catalog CatalogConfig
	Trial   TrialConfig

	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// Load reads configuration from the environment and optional config.yaml.
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
	v.SetDefault("ENVIRONMENT", "dev")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("DATABASE_DSN", "gatewayz.db")

	v.SetDefault("RATE_LIMIT_DEFAULT_MINUTE", 60)
	v.SetDefault("RATE_LIMIT_DEFAULT_HOUR", 1000)
	v.SetDefault("RATE_LIMIT_DEFAULT_DAY", 10000)
	v.SetDefault("CONCURRENCY_PER_KEY", 10)

	v.SetDefault("MAX_ATTEMPTS", 4)
	v.SetDefault("REQUEST_TIMEOUT_MS", 60_000)
	v.SetDefault("ATTEMPT_TIMEOUT_MS", 30_000)
	v.SetDefault("STREAM_IDLE_MS", 20_000)
	v.SetDefault("PER_GATEWAY_CONCURRENCY", 64)

	v.SetDefault("CATALOG_TTL_S", 300)
	v.SetDefault("CATALOG_STALE_TTL_S", 3600)
	v.SetDefault("HUGGINGFACE_FETCH_SORTS", "likes,downloads")

	v.SetDefault("TRIAL_CREDITS", 1.0)
	v.SetDefault("TRIAL_TOKENS", 500_000)
	v.SetDefault("TRIAL_REQUESTS", 200)
	v.SetDefault("TRIAL_DAYS", 14)

	v.SetDefault("GOOGLE_VERTEX_LOCATION", "us-central1")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Environment: normalizeEnv(v.GetString("ENVIRONMENT")),

		OpenRouter:  GatewayConfig{APIKey: v.GetString("OPENROUTER_API_KEY"), BaseURL: v.GetString("OPENROUTER_BASE_URL")},
		Vercel:      GatewayConfig{APIKey: v.GetString("VERCEL_AI_GATEWAY_API_KEY"), BaseURL: v.GetString("VERCEL_AI_GATEWAY_BASE_URL")},
		Fireworks:   GatewayConfig{APIKey: v.GetString("FIREWORKS_API_KEY"), BaseURL: v.GetString("FIREWORKS_BASE_URL")},
		Together:    GatewayConfig{APIKey: v.GetString("TOGETHER_API_KEY"), BaseURL: v.GetString("TOGETHER_BASE_URL")},
		Groq:        GatewayConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},
		DeepInfra:   GatewayConfig{APIKey: v.GetString("DEEPINFRA_API_KEY"), BaseURL: v.GetString("DEEPINFRA_BASE_URL")},
		Cerebras:    GatewayConfig{APIKey: v.GetString("CEREBRAS_API_KEY"), BaseURL: v.GetString("CEREBRAS_BASE_URL")},
		XAI:         GatewayConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		Novita:      GatewayConfig{APIKey: v.GetString("NOVITA_API_KEY"), BaseURL: v.GetString("NOVITA_BASE_URL")},
		Nebius:      GatewayConfig{APIKey: v.GetString("NEBIUS_API_KEY"), BaseURL: v.GetString("NEBIUS_BASE_URL")},
		Chutes:      GatewayConfig{APIKey: v.GetString("CHUTES_API_KEY"), BaseURL: v.GetString("CHUTES_BASE_URL")},
		Featherless: GatewayConfig{APIKey: v.GetString("FEATHERLESS_API_KEY"), BaseURL: v.GetString("FEATHERLESS_BASE_URL")},
		Near:        GatewayConfig{APIKey: v.GetString("NEAR_API_KEY"), BaseURL: v.GetString("NEAR_BASE_URL")},
		AIMO:        GatewayConfig{APIKey: v.GetString("AIMO_API_KEY"), BaseURL: v.GetString("AIMO_BASE_URL")},
		Anthropic:   GatewayConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Portkey:     GatewayConfig{APIKey: v.GetString("PORTKEY_API_KEY"), BaseURL: v.GetString("PORTKEY_BASE_URL")},
		HuggingFace: GatewayConfig{APIKey: v.GetString("HUGGINGFACE_API_KEY"), BaseURL: v.GetString("HUGGINGFACE_BASE_URL")},
		Fal:         GatewayConfig{APIKey: v.GetString("FAL_API_KEY"), BaseURL: v.GetString("FAL_BASE_URL")},

		Vertex: VertexConfig{
			ProjectID:       v.GetString("GOOGLE_PROJECT_ID"),
			Location:        v.GetString("GOOGLE_VERTEX_LOCATION"),
			CredentialsJSON: v.GetString("GOOGLE_VERTEX_CREDENTIALS_JSON"),
		},

		DatabaseDSN: coalesce(v.GetString("DATABASE_URL"), v.GetString("DATABASE_DSN")),
		RedisURL:    coalesce(v.GetString("REDIS_URL"), v.GetString("CACHE_URL")),
		CacheMode:   strings.ToLower(v.GetString("CACHE_MODE")),

		KeyHashSalt: v.GetString("KEY_HASH_SALT"),
		KeyVersion:  v.GetInt("KEY_VERSION"),
		Keyring:     loadKeyring(),

		Limits: LimitsConfig{
			PerMinute:  v.GetInt("RATE_LIMIT_DEFAULT_MINUTE"),
			PerHour:    v.GetInt("RATE_LIMIT_DEFAULT_HOUR"),
			PerDay:     v.GetInt("RATE_LIMIT_DEFAULT_DAY"),
			Concurrent: v.GetInt("CONCURRENCY_PER_KEY"),
		},

		Router: RouterConfig{
			MaxAttempts:        v.GetInt("MAX_ATTEMPTS"),
			RequestTimeout:     time.Duration(v.GetInt("REQUEST_TIMEOUT_MS")) * time.Millisecond,
			AttemptTimeout:     time.Duration(v.GetInt("ATTEMPT_TIMEOUT_MS")) * time.Millisecond,
			StreamIdle:         time.Duration(v.GetInt("STREAM_IDLE_MS")) * time.Millisecond,
			GatewayConcurrency: v.GetInt("PER_GATEWAY_CONCURRENCY"),
		},

		Catalog: CatalogConfig{
			TTL:              time.Duration(v.GetInt("CATALOG_TTL_S")) * time.Second,
			StaleTTL:         time.Duration(v.GetInt("CATALOG_STALE_TTL_S")) * time.Second,
			HuggingFaceSorts: splitCSV(v.GetString("HUGGINGFACE_FETCH_SORTS")),
		},

		Trial: TrialConfig{
			Credits:  v.GetFloat64("TRIAL_CREDITS"),
			Tokens:   v.GetInt64("TRIAL_TOKENS"),
			Requests: v.GetInt64("TRIAL_REQUESTS"),
			Days:     v.GetInt("TRIAL_DAYS"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadKeyring collects KEYRING_<n> env vars into a version-to-material map.
func loadKeyring() map[int]string {
	out := make(map[int]string)
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" {
			continue
		}
		rest, ok := strings.CutPrefix(name, "KEYRING_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		out[ver] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneGatewayKey() {
		return fmt.Errorf(
			"config: at least one upstream gateway key is required " +
				"(OPENROUTER_API_KEY, VERCEL_AI_GATEWAY_API_KEY, FIREWORKS_API_KEY, " +
				"TOGETHER_API_KEY, GROQ_API_KEY, DEEPINFRA_API_KEY, CEREBRAS_API_KEY, " +
				"XAI_API_KEY, NOVITA_API_KEY, NEBIUS_API_KEY, CHUTES_API_KEY, " +
				"FEATHERLESS_API_KEY, NEAR_API_KEY, AIMO_API_KEY, ANTHROPIC_API_KEY, " +
				"PORTKEY_API_KEY, HUGGINGFACE_API_KEY, FAL_API_KEY, or GOOGLE_PROJECT_ID)",
		)
	}

	switch c.Environment {
	case "live", "test", "staging", "dev":
	default:
		return fmt.Errorf(
			"config: invalid ENVIRONMENT %q; must be one of: live, test, staging, dev (development)",
			c.Environment,
		)
	}

	if c.CacheMode == "redis" && c.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL (or CACHE_URL) is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	switch c.CacheMode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.CacheMode,
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

	if c.KeyVersion > 0 {
		if _, ok := c.Keyring[c.KeyVersion]; !ok {
			return fmt.Errorf("config: KEY_VERSION=%d has no matching KEYRING_%d", c.KeyVersion, c.KeyVersion)
		}
	}

	if c.Router.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Router.MaxAttempts)
	}
	if c.Catalog.StaleTTL <= c.Catalog.TTL {
		return fmt.Errorf("config: CATALOG_STALE_TTL_S must exceed CATALOG_TTL_S")
	}

	return nil
}

// AtLeastOneGatewayKey reports whether any upstream is configured.
func (c *Config) AtLeastOneGatewayKey() bool {
	for _, gw := range []GatewayConfig{
		c.OpenRouter, c.Vercel, c.Fireworks, c.Together, c.Groq, c.DeepInfra,
		c.Cerebras, c.XAI, c.Novita, c.Nebius, c.Chutes, c.Featherless,
		c.Near, c.AIMO, c.Anthropic, c.Portkey, c.HuggingFace, c.Fal,
	} {
		if gw.APIKey != "" {
			return true
		}
	}
	return c.Vertex.ProjectID != ""
}

// normalizeEnv lowercases the tier name and folds the long form of dev.
func normalizeEnv(s string) string {
	s = strings.ToLower(s)
	if s == "development" {
		return "dev"
	}
	return s
}

// coalesce returns the first non-empty value.
func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
