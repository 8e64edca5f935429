package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
fleet:
  pool_capacity: 6
  workers: 8
  max_attempts: 5
  job_timeout_seconds: 120
portal:
  base_url: https://portal.example.com
  user_agent: fleet-agent
  nav_timeout_seconds: 20
  rate_per_second: 0.5
  burst: 1
snapshots:
  backend: local
  local_dir: /tmp/snaps
  prefix: pages
audit:
  enabled: true
  dsn: postgres://fleet:pw@localhost/audit
  max_conns: 8
sinks:
  postgres:
    enabled: true
    dsn: postgres://fleet:pw@localhost/results
  redis:
    enabled: true
    addr: localhost:6379
    ttl_seconds: 3600
  pubsub:
    enabled: true
    project_id: insight-prod
    topic_name: fleet-completions
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Fleet.PoolCapacity != 6 || cfg.Fleet.Workers != 8 || cfg.Fleet.MaxAttempts != 5 {
		t.Fatalf("expected fleet overrides to apply: %+v", cfg.Fleet)
	}
	if cfg.Portal.BaseURL != "https://portal.example.com" || cfg.Portal.RatePerSecond != 0.5 {
		t.Fatalf("expected portal overrides to apply: %+v", cfg.Portal)
	}
	if cfg.Snapshots.Backend != "local" || cfg.Snapshots.LocalDir != "/tmp/snaps" {
		t.Fatalf("expected snapshot overrides to apply: %+v", cfg.Snapshots)
	}
	if !cfg.Audit.Enabled || cfg.Audit.MaxConns != 8 {
		t.Fatalf("expected audit overrides to apply: %+v", cfg.Audit)
	}
	if !cfg.Sinks.Postgres.Enabled || !cfg.Sinks.Redis.Enabled || !cfg.Sinks.PubSub.Enabled {
		t.Fatalf("expected sinks enabled: %+v", cfg.Sinks)
	}
	if cfg.Sinks.Redis.KeyPrefix != "fleet:result" {
		t.Fatalf("expected redis key prefix default, got %q", cfg.Sinks.Redis.KeyPrefix)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if got := cfg.JobTimeout(); got != 120*time.Second {
		t.Fatalf("expected job timeout 120s, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 20*time.Second {
		t.Fatalf("expected nav timeout 20s, got %v", got)
	}
	if got := cfg.ServerTimeout(); got != 30*time.Second {
		t.Fatalf("expected server timeout 30s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEET_PORTAL_BASE_URL", "https://portal.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Fleet.PoolCapacity != 4 || cfg.Fleet.Workers != 4 {
		t.Fatalf("expected default fleet sizing: %+v", cfg.Fleet)
	}
	if cfg.Snapshots.Backend != "none" {
		t.Fatalf("expected snapshots disabled by default, got %q", cfg.Snapshots.Backend)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging by default")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Fleet:  FleetConfig{PoolCapacity: 2, Workers: 2},
			Portal: PortalConfig{BaseURL: "https://portal.example.com"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"MissingPort", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"MissingPoolCapacity", func(c *Config) { c.Fleet.PoolCapacity = 0 }, "pool_capacity"},
		{"MissingWorkers", func(c *Config) { c.Fleet.Workers = 0 }, "workers"},
		{"MissingBaseURL", func(c *Config) { c.Portal.BaseURL = "" }, "portal.base_url"},
		{"AuthWithoutKey", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"UnknownSnapshotBackend", func(c *Config) { c.Snapshots.Backend = "s3" }, "snapshots.backend"},
		{"GCSSnapshotsWithoutBucket", func(c *Config) { c.Snapshots.Backend = "gcs" }, "gcs_bucket"},
		{"AuditWithoutDSN", func(c *Config) { c.Audit.Enabled = true }, "audit.dsn"},
		{"PostgresSinkWithoutDSN", func(c *Config) { c.Sinks.Postgres.Enabled = true }, "sinks.postgres.dsn"},
		{"RedisSinkWithoutAddr", func(c *Config) { c.Sinks.Redis.Enabled = true }, "sinks.redis.addr"},
		{"PubSubSinkWithoutTopic", func(c *Config) { c.Sinks.PubSub.Enabled = true }, "pubsub"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
