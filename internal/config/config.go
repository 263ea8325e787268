package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConflictStrategy controls how external profile fields merge into the local
// account.
type ConflictStrategy string

const (
	// ConflictProviderPriority overwrites local display name/email/avatar
	// unconditionally.
	ConflictProviderPriority ConflictStrategy = "provider"
	// ConflictLocalPriority only fills fields that are currently blank locally.
	ConflictLocalPriority ConflictStrategy = "local"
	// ConflictManual never overwrites; a field-level diff is recorded for
	// human review.
	ConflictManual ConflictStrategy = "manual"
)

// ProviderConfig represents an OAuth 2.0 provider configuration.
type ProviderConfig struct {
	Name         string   `json:"name"`                // Unique provider identifier, used in URLs
	Type         string   `json:"type,omitempty"`      // Provider type: "line", "github", "google" (defaults to Name)
	ClientID     string   `json:"client_id"`           // OAuth client ID
	ClientSecret string   `json:"client_secret"`       // OAuth client secret
	CallbackURL  string   `json:"callback_url"`        // OAuth callback URL
	AuthURL      string   `json:"auth_url,omitempty"`  // Custom auth URL (optional)
	TokenURL     string   `json:"token_url,omitempty"` // Custom token URL (optional)
	UserURL      string   `json:"user_url,omitempty"`  // Custom user info URL (optional)
	JWKSURL      string   `json:"jwks_url,omitempty"`  // Custom JWKS URL for id_token verification (optional)
	Scopes       []string `json:"scopes,omitempty"`    // Custom scopes (optional)
}

// Config holds all application configuration.
type Config struct {
	Port    int
	BaseURL string

	// OAuth Providers
	Providers []ProviderConfig

	// Profile sync
	SyncOnLogin      bool
	ConflictStrategy ConflictStrategy

	// Session
	SessionSecret       string
	SessionSecureCookie bool // Set to true in production (HTTPS only)

	// Redirect targets allowed after login (prefix match). Empty = same-host only.
	AllowedRedirectPrefixes []string
	DefaultRedirectURL      string

	// Stores
	StateRedisStoreEnabled   bool
	StateRedisStorePrefix    string
	ProfileRedisStoreEnabled bool
	ProfileRedisStorePrefix  string

	// Redis
	RedisEnabled bool
	RedisHost    string
	RedisPort    int
	RedisProto   string
	RedisPass    string
	RedisDB      int

	// Postgres (optional; memory repositories are used when empty)
	PostgresDSN string
}

// envKeyTransform transforms environment variable names to koanf keys.
// APP_SESSION_SECRET -> session.secret
func envKeyTransform(s string) string {
	return strings.ReplaceAll(
		strings.ToLower(strings.TrimPrefix(s, "APP_")),
		"_",
		".",
	)
}

// Load loads configuration from .env files and environment variables.
// The loading order is:
// 1. .env file (if exists)
// 2. .env.local file (if exists)
// 3. Environment variables (override files)
//
// Environment variables use the APP_ prefix and underscore separation.
// Example: APP_SESSION_SECRET -> session.secret
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from the specified directory.
// If path is empty, uses current directory.
func LoadFromPath(path string) (*Config, error) {
	k := koanf.New(".")

	envFile := ".env"
	envLocalFile := ".env.local"
	if path != "" {
		envFile = path + "/" + envFile
		envLocalFile = path + "/" + envLocalFile
	}

	// Load .env file if it exists (base configuration)
	if _, err := os.Stat(envFile); err == nil {
		if err := k.Load(file.Provider(envFile), dotenv.ParserEnv("APP_", ".", envKeyTransform)); err != nil {
			return nil, fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Load .env.local file if it exists (local overrides, typically gitignored)
	if _, err := os.Stat(envLocalFile); err == nil {
		if err := k.Load(file.Provider(envLocalFile), dotenv.ParserEnv("APP_", ".", envKeyTransform)); err != nil {
			return nil, fmt.Errorf("loading .env.local file: %w", err)
		}
	}

	// Load environment variables with APP_ prefix (override files)
	if err := k.Load(env.Provider("APP_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Also load PORT without prefix (common convention)
	_ = k.Load(env.Provider("", ".", func(s string) string {
		if s == "PORT" {
			return "port"
		}
		return ""
	}), nil)

	cfg := &Config{
		Port:    k.Int("port"),
		BaseURL: k.String("base.url"),

		SyncOnLogin:      k.String("sync.on.login") == "1",
		ConflictStrategy: ConflictStrategy(k.String("conflict.strategy")),

		SessionSecret:       k.String("session.secret"),
		SessionSecureCookie: k.String("session.secure.cookie") == "1",

		DefaultRedirectURL: k.String("default.redirect.url"),

		StateRedisStoreEnabled:   k.String("state.redis.store.enabled") == "1",
		StateRedisStorePrefix:    k.String("state.redis.store.prefix"),
		ProfileRedisStoreEnabled: k.String("profile.redis.store.enabled") == "1",
		ProfileRedisStorePrefix:  k.String("profile.redis.store.prefix"),

		RedisEnabled: k.String("redis.enabled") == "1",
		RedisHost:    k.String("redis.host"),
		RedisPort:    k.Int("redis.port"),
		RedisProto:   k.String("redis.proto"),
		RedisPass:    k.String("redis.pass"),
		RedisDB:      k.Int("redis.db"),

		PostgresDSN: k.String("postgres.dsn"),
	}

	// Set defaults
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = ConflictLocalPriority
	}
	if cfg.DefaultRedirectURL == "" {
		cfg.DefaultRedirectURL = "/"
	}
	if cfg.RedisPort == 0 {
		cfg.RedisPort = 6379
	}
	if cfg.RedisProto == "" {
		cfg.RedisProto = "rediss"
	}

	// Parse providers from JSON
	providersJSON := k.String("providers")
	if providersJSON != "" {
		var providers []ProviderConfig
		if err := json.Unmarshal([]byte(providersJSON), &providers); err != nil {
			return nil, fmt.Errorf("parsing providers JSON: %w", err)
		}
		cfg.Providers = providers
	}

	// Default provider Type to Name
	for i := range cfg.Providers {
		if cfg.Providers[i].Type == "" {
			cfg.Providers[i].Type = cfg.Providers[i].Name
		}
	}

	// Parse allowed redirect prefixes from JSON
	redirectsJSON := k.String("allowed.redirect.prefixes")
	if redirectsJSON != "" {
		var prefixes []string
		if err := json.Unmarshal([]byte(redirectsJSON), &prefixes); err != nil {
			return nil, fmt.Errorf("parsing allowed redirect prefixes JSON: %w", err)
		}
		cfg.AllowedRedirectPrefixes = prefixes
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	var missing []string

	if c.SessionSecret == "" {
		missing = append(missing, "APP_SESSION_SECRET")
	}
	if c.BaseURL == "" {
		missing = append(missing, "APP_BASE_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.ConflictStrategy {
	case ConflictProviderPriority, ConflictLocalPriority, ConflictManual:
	default:
		return fmt.Errorf("invalid APP_CONFLICT_STRATEGY: %q", c.ConflictStrategy)
	}

	return nil
}

// LogConfig logs the configuration (with secrets redacted).
func (c *Config) LogConfig(logger *slog.Logger) {
	providerNames := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		providerNames[i] = p.Name
	}

	logger.Info("configuration loaded",
		"port", c.Port,
		"base_url", c.BaseURL,
		"providers", providerNames,
		"sync_on_login", c.SyncOnLogin,
		"conflict_strategy", c.ConflictStrategy,
		"redis_enabled", c.RedisEnabled,
		"state_redis_store_enabled", c.StateRedisStoreEnabled,
		"profile_redis_store_enabled", c.ProfileRedisStoreEnabled,
		"postgres_enabled", c.PostgresDSN != "",
	)
}
