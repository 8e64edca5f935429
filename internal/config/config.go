// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FleetConfig governs pool sizing and job execution.
type FleetConfig struct {
	PoolCapacity      int `mapstructure:"pool_capacity"`
	Workers           int `mapstructure:"workers"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// PortalConfig describes the portal the fleet drives.
type PortalConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	WarmupURL         string  `mapstructure:"warmup_url"`
	NotFoundMarker    string  `mapstructure:"not_found_marker"`
	RatePerSecond     float64 `mapstructure:"rate_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// SnapshotsConfig selects where raw page captures go.
type SnapshotsConfig struct {
	// Backend is one of gcs, local, memory, or none.
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// AuditConfig controls the relational job history store.
type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SinksConfig toggles the persistence fan-out targets.
type SinksConfig struct {
	Postgres PostgresSinkConfig `mapstructure:"postgres"`
	Redis    RedisSinkConfig    `mapstructure:"redis"`
	GCS      GCSSinkConfig      `mapstructure:"gcs"`
	PubSub   PubSubSinkConfig   `mapstructure:"pubsub"`
}

// PostgresSinkConfig controls the relational result sink.
type PostgresSinkConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisSinkConfig controls the cache result sink.
type RedisSinkConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	Stream     string `mapstructure:"stream"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// GCSSinkConfig controls the blob result sink.
type GCSSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubSinkConfig controls the completion event sink.
type PubSubSinkConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("fleet.pool_capacity", 4)
	v.SetDefault("fleet.workers", 4)
	v.SetDefault("fleet.max_attempts", 3)
	v.SetDefault("fleet.job_timeout_seconds", 300)
	// Empty defaults register env-only keys with Viper so AutomaticEnv can
	// populate them without a config file.
	v.SetDefault("portal.base_url", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.redis.addr", "")
	v.SetDefault("portal.user_agent", "fleetharvest-bot/0.1")
	v.SetDefault("portal.nav_timeout_seconds", 45)
	v.SetDefault("portal.rate_per_second", 1)
	v.SetDefault("portal.burst", 2)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("sinks.gcs.prefix", "results")
	v.SetDefault("sinks.redis.key_prefix", "fleet:result")
	v.SetDefault("sinks.redis.stream", "fleet:results")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fleet.PoolCapacity <= 0 {
		return fmt.Errorf("fleet.pool_capacity must be > 0")
	}
	if c.Fleet.Workers <= 0 {
		return fmt.Errorf("fleet.workers must be > 0")
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Snapshots.Backend {
	case "", "none", "memory":
	case "gcs":
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket is required for the gcs backend")
		}
	case "local":
		if c.Snapshots.LocalDir == "" {
			return fmt.Errorf("snapshots.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not one of gcs, local, memory, none", c.Snapshots.Backend)
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}
	if c.Sinks.Postgres.Enabled && c.Sinks.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres.dsn is required when the postgres sink is enabled")
	}
	if c.Sinks.Redis.Enabled && c.Sinks.Redis.Addr == "" {
		return fmt.Errorf("sinks.redis.addr is required when the redis sink is enabled")
	}
	if c.Sinks.GCS.Enabled && c.Sinks.GCS.Bucket == "" {
		return fmt.Errorf("sinks.gcs.bucket is required when the gcs sink is enabled")
	}
	if c.Sinks.PubSub.Enabled && (c.Sinks.PubSub.ProjectID == "" || c.Sinks.PubSub.TopicName == "") {
		return fmt.Errorf("sinks.pubsub.project_id and topic_name are required when the pubsub sink is enabled")
	}
	return nil
}

// JobTimeout converts the configured per-job budget to a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Fleet.JobTimeoutSeconds) * time.Second
}

// NavTimeout converts the configured navigation budget to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Portal.NavTimeoutSeconds) * time.Second
}

// ServerTimeout converts the configured request budget to a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
