// Package config provides configuration management for the entity mirror
// daemon.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	River    RiverConfig    `mapstructure:"river"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings. One pgxpool is
// shared by the sync store and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`

	// FullSyncPeriod spaces periodic full-sync jobs; at most one job is
	// enqueued per period. Zero disables periodic full syncs.
	FullSyncPeriod time.Duration `mapstructure:"full_sync_period"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// RetryAttempts and RetryBaseDelay shape the per-phase transaction
	// retry: attempt n sleeps n * base delay before rerunning.
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// FetchConcurrency bounds the per-type source fetches running in
	// parallel during a pass.
	FetchConcurrency int `mapstructure:"fetch_concurrency"`

	// RelationshipPolicy is "keep" (default: edges of inactive supers
	// stay) or "drop".
	RelationshipPolicy string `mapstructure:"relationship_policy"`

	// PruneMode is "deactivate" (default) or "delete": what a full sync
	// does with mirror rows whose source row is gone.
	PruneMode string `mapstructure:"prune_mode"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/entityd")

	// No prefix: standard names like DATABASE_URL, SERVER_PORT, LOG_LEVEL.
	// Maps nested config: sync.retry_attempts -> SYNC_RETRY_ATTEMPTS.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Sync.RelationshipPolicy {
	case "keep", "drop":
	default:
		return fmt.Errorf("sync.relationship_policy must be \"keep\" or \"drop\", got %q",
			c.Sync.RelationshipPolicy)
	}
	switch c.Sync.PruneMode {
	case "deactivate", "delete":
	default:
		return fmt.Errorf("sync.prune_mode must be \"deactivate\" or \"delete\", got %q",
			c.Sync.PruneMode)
	}
	if c.Sync.RetryAttempts < 1 {
		return fmt.Errorf("sync.retry_attempts must be at least 1, got %d",
			c.Sync.RetryAttempts)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "entity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "entity")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.full_sync_period", "0")

	// Sync
	v.SetDefault("sync.retry_attempts", 5)
	v.SetDefault("sync.retry_base_delay", "100ms")
	v.SetDefault("sync.fetch_concurrency", 10)
	v.SetDefault("sync.relationship_policy", "keep")
	v.SetDefault("sync.prune_mode", "deactivate")
}
