package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for relay-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values. Secrets (passwords, keys)
// must only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8643"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional; enables the distributed session store)
	Redis RedisConfig `yaml:"redis"`

	// Object store configuration (dataset persistence and exports)
	ObjectStore ObjectStoreConfig `yaml:"object_store"`

	// Session behavior for the MCP transport
	Session SessionConfig `yaml:"session"`

	// Dataset materialization limits
	Dataset DatasetConfig `yaml:"dataset"`

	// Outbound HTTP behavior toward downstream systems
	Outbound OutboundConfig `yaml:"outbound"`

	// Credential encryption key for stored integration secrets.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"RELAY_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"relay"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"relay_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis configuration. Redis is optional: with an empty host
// the in-process session store is used.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ObjectStoreConfig holds S3-compatible object store configuration.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" env:"OBJECT_STORE_ENDPOINT" env-default:"localhost:9000"`
	AccessKey string `yaml:"-" env:"OBJECT_STORE_ACCESS_KEY"` // Secret - not in YAML
	SecretKey string `yaml:"-" env:"OBJECT_STORE_SECRET_KEY"` // Secret - not in YAML
	Bucket    string `yaml:"bucket" env:"OBJECT_STORE_BUCKET" env-default:"relay-datasets"`
	Secure    bool   `yaml:"secure" env:"OBJECT_STORE_SECURE" env-default:"false"`
}

// SessionConfig controls MCP session lifetime and the push stream.
type SessionConfig struct {
	// IdleTTLMinutes is how long an idle session survives before lazy reaping.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes" env:"SESSION_IDLE_TTL_MINUTES" env-default:"30"`
	// KeepAliveSeconds is the cadence of keep-alive frames on idle push streams.
	KeepAliveSeconds int `yaml:"keepalive_seconds" env:"SESSION_KEEPALIVE_SECONDS" env-default:"15"`
}

// DatasetConfig controls dataset materialization and fetch-all budgets.
type DatasetConfig struct {
	TTLMinutes       int `yaml:"ttl_minutes" env:"DATASET_TTL_MINUTES" env-default:"30"`
	MaxPages         int `yaml:"max_pages" env:"DATASET_MAX_PAGES" env-default:"100"`
	MaxItems         int `yaml:"max_items" env:"DATASET_MAX_ITEMS" env-default:"10000"`
	MaxFetchSeconds  int `yaml:"max_fetch_seconds" env:"DATASET_MAX_FETCH_SECONDS" env-default:"120"`
	ExportURLMinutes int `yaml:"export_url_minutes" env:"DATASET_EXPORT_URL_MINUTES" env-default:"15"`
}

// OutboundConfig controls calls to downstream systems.
type OutboundConfig struct {
	// TimeoutSeconds is the fixed per-call timeout for any single downstream request.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"OUTBOUND_TIMEOUT_SECONDS" env-default:"30"`
	// RatePerSecond and Burst configure the per-system outbound rate limiter.
	RatePerSecond float64 `yaml:"rate_per_second" env:"OUTBOUND_RATE_PER_SECOND" env-default:"10"`
	Burst         int     `yaml:"burst" env:"OUTBOUND_BURST" env-default:"20"`
}

// IdleTTL returns the session idle TTL as a duration.
func (c *SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

// KeepAlive returns the keep-alive cadence as a duration.
func (c *SessionConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// TTL returns the dataset TTL as a duration.
func (c *DatasetConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// MaxFetchDuration returns the fetch-all wall-clock budget as a duration.
func (c *DatasetConfig) MaxFetchDuration() time.Duration {
	return time.Duration(c.MaxFetchSeconds) * time.Second
}

// ExportURLTTL returns the export link lifetime as a duration.
func (c *DatasetConfig) ExportURLTTL() time.Duration {
	return time.Duration(c.ExportURLMinutes) * time.Minute
}

// Timeout returns the per-call outbound timeout as a duration.
func (c *OutboundConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("RELAY_CREDENTIALS_KEY must be set")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}
