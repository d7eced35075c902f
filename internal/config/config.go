// ABOUTME: Configuration loading and parsing for policydesk
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Resumable stream backends. An empty backend disables resumption.
const (
	BackendNone   = ""
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete policydesk configuration
type Config struct {
	App       AppConfig       `yaml:"app" toml:"app"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Resumable ResumableConfig `yaml:"resumable" toml:"resumable"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AppConfig holds values reported by the health endpoint
type AppConfig struct {
	Environment string `yaml:"environment" toml:"environment"`
	Version     string `yaml:"version" toml:"version"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration.
// Path is used by the sqlite driver, DSN by the postgres driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName string `yaml:"cookie_name" toml:"cookie_name"`

	GuestTokenTTL    time.Duration `yaml:"-" toml:"-"`
	GuestTokenTTLRaw string        `yaml:"guest_token_ttl" toml:"guest_token_ttl"`
}

// AgentConfig points at the external workflow webhook
type AgentConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	WebhookID string `yaml:"webhook_id" toml:"webhook_id"`
}

// WebhookURL returns {base_url}/webhook/{webhook_id}/chat
func (a AgentConfig) WebhookURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/webhook/" + a.WebhookID + "/chat"
}

// ResumableConfig selects the live stream backend used for resumption
type ResumableConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`

	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LimitsConfig holds per-user rate limits for the send endpoint.
// Zero MessagesPerMinute disables limiting.
type LimitsConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute" toml:"messages_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config (or in the working directory) is loaded first,
// without overriding variables that are already set.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads .env files if present. Missing files are not an error.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "policydesk-token"
	}
	if cfg.Auth.GuestTokenTTLRaw == "" {
		cfg.Auth.GuestTokenTTLRaw = "24h"
	}
	if cfg.Resumable.RetentionRaw == "" {
		cfg.Resumable.RetentionRaw = "10m"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "unknown"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "1.0.0"
	}
	if cfg.Limits.MessagesPerMinute > 0 && cfg.Limits.Burst <= 0 {
		cfg.Limits.Burst = cfg.Limits.MessagesPerMinute
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (use sqlite or postgres)", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	if c.Agent.BaseURL == "" {
		return errors.New("agent.base_url is required")
	}
	if c.Agent.WebhookID == "" {
		return errors.New("agent.webhook_id is required")
	}

	switch c.Resumable.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Resumable.RedisURL == "" {
			return errors.New("resumable.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("resumable.backend %q is not supported (use memory, redis or leave empty)", c.Resumable.Backend)
	}

	if c.Limits.MessagesPerMinute < 0 {
		return errors.New("limits.messages_per_minute must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	cfg.Auth.GuestTokenTTL, err = time.ParseDuration(cfg.Auth.GuestTokenTTLRaw)
	if err != nil {
		return fmt.Errorf("parsing guest_token_ttl %q: %w", cfg.Auth.GuestTokenTTLRaw, err)
	}

	cfg.Resumable.Retention, err = time.ParseDuration(cfg.Resumable.RetentionRaw)
	if err != nil {
		return fmt.Errorf("parsing retention %q: %w", cfg.Resumable.RetentionRaw, err)
	}

	return nil
}
