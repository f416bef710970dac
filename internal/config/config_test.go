package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "header", cfg.Auth.Mode)
	assert.Equal(t, "X-User-ID", cfg.Auth.Header)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3, cfg.Pipeline.SparseTagThreshold)
	assert.Equal(t, "none", cfg.Enrich.Provider)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffInitial())
	assert.Equal(t, 30*24*time.Hour, cfg.TerminalTTL())
	assert.False(t, cfg.UsesRedis())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  mode: token
  tokens:
    - token: AbCdEf123
      user: user-1
    - token: secret-token
      user: User-2
storage:
  backend: postgres
  postgres:
    dsn: postgres://localhost/bookmarks
    table: objects_v2
redis:
  addr: localhost:6379
queue:
  backend: redis
  max_attempts: 5
  backoff_initial_ms: 100
  backoff_max_ms: 800
pipeline:
  workers: 2
  fetch_timeout_seconds: 5
  max_tags: 6
  screenshots: true
headless:
  enabled: true
  max_parallel: 2
enrich:
  provider: gemini
  api_key: key
  model: gemini-2.5-flash
quota:
  max_active: 3
  rps: 1.5
  burst: 2
retention:
  terminal_ttl_hours: 2
  max_items: 50
pubsub:
  project_id: proj
  topic_name: bookmarks
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []TokenEntry{
		{Token: "AbCdEf123", User: "user-1"},
		{Token: "secret-token", User: "User-2"},
	}, cfg.Auth.Tokens)
	assert.Equal(t, "objects_v2", cfg.Storage.Postgres.Table)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 800*time.Millisecond, cfg.BackoffMax())
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout())
	assert.True(t, cfg.Pipeline.Screenshots)
	assert.Equal(t, "gemini-2.5-flash", cfg.Enrich.Model)
	assert.InDelta(t, 1.5, cfg.Quota.RPS, 0.0001)
	assert.Equal(t, 2*time.Hour, cfg.TerminalTTL())
	assert.Equal(t, "proj", cfg.PubSub.ProjectID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOOKMARKD_SERVER_PORT", "7070")
	t.Setenv("BOOKMARKD_QUOTA_MAX_ACTIVE", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Quota.MaxActive)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad auth mode", func(c *Config) { c.Auth.Mode = "oauth" }, "auth.mode"},
		{"token mode without tokens", func(c *Config) { c.Auth.Mode = "token" }, "auth.tokens"},
		{"token entry without user", func(c *Config) {
			c.Auth.Mode = "token"
			c.Auth.Tokens = []TokenEntry{{Token: "t"}}
		}, "auth.tokens[0]"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"redis queue without addr", func(c *Config) { c.Queue.Backend = "redis" }, "redis.addr"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"screenshots without headless", func(c *Config) { c.Pipeline.Screenshots = true }, "headless.enabled"},
		{"gemini without key", func(c *Config) { c.Enrich.Provider = "gemini" }, "enrich.api_key"},
		{"half pubsub", func(c *Config) { c.PubSub.ProjectID = "p" }, "pubsub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
