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
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Retention RetentionConfig `mapstructure:"retention"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig selects how requests are mapped to a user id.
//
// In "header" mode the user id is read verbatim from Header, which assumes an
// authenticating proxy in front of the service. In "token" mode a bearer token
// is looked up in Tokens.
type AuthConfig struct {
	Mode   string       `mapstructure:"mode"`
	Header string       `mapstructure:"header"`
	Tokens []TokenEntry `mapstructure:"tokens"`
}

// TokenEntry maps one bearer token to a user id. Tokens are list values
// rather than map keys so their case survives loading.
type TokenEntry struct {
	Token string `mapstructure:"token"`
	User  string `mapstructure:"user"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend   string         `mapstructure:"backend"`
	Prefix    string         `mapstructure:"prefix"`
	LocalDir  string         `mapstructure:"local_dir"`
	GCSBucket string         `mapstructure:"gcs_bucket"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the Postgres object table.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig controls job delivery and retry.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"`
	Depth            int    `mapstructure:"depth"`
	Stream           string `mapstructure:"stream"`
	Group            string `mapstructure:"group"`
	Consumer         string `mapstructure:"consumer"`
	ClaimIdleSeconds int    `mapstructure:"claim_idle_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// PipelineConfig governs the processing stages.
type PipelineConfig struct {
	Workers              int    `mapstructure:"workers"`
	FetchTimeoutSeconds  int    `mapstructure:"fetch_timeout_seconds"`
	EnrichTimeoutSeconds int    `mapstructure:"enrich_timeout_seconds"`
	StageTimeoutSeconds  int    `mapstructure:"stage_timeout_seconds"`
	MaxTags              int    `mapstructure:"max_tags"`
	SparseTagThreshold   int    `mapstructure:"sparse_tag_threshold"`
	UserAgent            string `mapstructure:"user_agent"`
	Screenshots          bool   `mapstructure:"screenshots"`
	MemoTTLMinutes       int    `mapstructure:"memo_ttl_minutes"`
	InFlightTTLMinutes   int    `mapstructure:"inflight_ttl_minutes"`
}

// HeadlessConfig configures the headless browser used for screenshots.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// EnrichConfig selects the tagging provider.
type EnrichConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// QuotaConfig bounds per-user usage.
type QuotaConfig struct {
	MaxActive int     `mapstructure:"max_active"`
	MaxItems  int     `mapstructure:"max_items"`
	RPS       float64 `mapstructure:"rps"`
	Burst     int     `mapstructure:"burst"`
}

// RetentionConfig controls pruning of terminal processing items.
type RetentionConfig struct {
	TerminalTTLHours int `mapstructure:"terminal_ttl_hours"`
	MaxItems         int `mapstructure:"max_items"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKMARKD")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.mode", "header")
	v.SetDefault("auth.header", "X-User-ID")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "bookmarkd")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.postgres.table", "objects")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.stream", "bookmarkd:jobs")
	v.SetDefault("queue.group", "bookmarkd-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.claim_idle_seconds", 300)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 500)
	v.SetDefault("queue.backoff_max_ms", 10000)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.fetch_timeout_seconds", 15)
	v.SetDefault("pipeline.enrich_timeout_seconds", 20)
	v.SetDefault("pipeline.stage_timeout_seconds", 60)
	v.SetDefault("pipeline.max_tags", 10)
	v.SetDefault("pipeline.sparse_tag_threshold", 3)
	v.SetDefault("pipeline.user_agent", "bookmarkd/0.1 (+https://github.com/JakeFAU/bookmark-pipeline)")
	v.SetDefault("pipeline.screenshots", false)
	v.SetDefault("pipeline.memo_ttl_minutes", 60)
	v.SetDefault("pipeline.inflight_ttl_minutes", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("enrich.provider", "none")
	v.SetDefault("enrich.model", "gemini-2.0-flash")
	v.SetDefault("quota.max_active", 10)
	v.SetDefault("quota.max_items", 1000)
	v.SetDefault("quota.rps", 2.0)
	v.SetDefault("quota.burst", 5)
	v.SetDefault("retention.terminal_ttl_hours", 24*30)
	v.SetDefault("retention.max_items", 500)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Auth.Mode {
	case "header":
		if c.Auth.Header == "" {
			return fmt.Errorf("auth.header must be set in header mode")
		}
	case "token":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.tokens must be set in token mode")
		}
		for i, entry := range c.Auth.Tokens {
			if entry.Token == "" || entry.User == "" {
				return fmt.Errorf("auth.tokens[%d] needs both token and user", i)
			}
		}
	default:
		return fmt.Errorf("auth.mode must be header or token, got %q", c.Auth.Mode)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	case "redis":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when a redis backend is selected")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.fetch_timeout_seconds must be > 0")
	}
	if c.Pipeline.MaxTags <= 0 {
		return fmt.Errorf("pipeline.max_tags must be > 0")
	}
	if c.Pipeline.Screenshots && !c.Headless.Enabled {
		return fmt.Errorf("pipeline.screenshots requires headless.enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Enrich.Provider {
	case "none":
	case "gemini":
		if c.Enrich.APIKey == "" {
			return fmt.Errorf("enrich.api_key must be set for the gemini provider")
		}
	default:
		return fmt.Errorf("enrich.provider %q is not supported", c.Enrich.Provider)
	}
	if c.Quota.RPS < 0 || c.Quota.Burst < 0 {
		return fmt.Errorf("quota.rps and quota.burst must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// UsesRedis reports whether any selected backend needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.Storage.Backend == "redis" || c.Queue.Backend == "redis"
}

// RequestTimeout is the per-request deadline applied by the HTTP server.
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeoutSeconds)
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return seconds(c.Server.ShutdownTimeoutSeconds)
}

// FetchTimeout bounds one extractor call.
func (c Config) FetchTimeout() time.Duration {
	return seconds(c.Pipeline.FetchTimeoutSeconds)
}

// EnrichTimeout bounds one enrichment call.
func (c Config) EnrichTimeout() time.Duration {
	return seconds(c.Pipeline.EnrichTimeoutSeconds)
}

// StageTimeout bounds any other single stage, including store writes.
func (c Config) StageTimeout() time.Duration {
	return seconds(c.Pipeline.StageTimeoutSeconds)
}

// BackoffInitial is the delay before the first retry.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Queue.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Queue.BackoffMaxMs) * time.Millisecond
}

// TerminalTTL is how long terminal items are retained.
func (c Config) TerminalTTL() time.Duration {
	return time.Duration(c.Retention.TerminalTTLHours) * time.Hour
}

// MemoTTL is how long stage outputs are memoized.
func (c Config) MemoTTL() time.Duration {
	return time.Duration(c.Pipeline.MemoTTLMinutes) * time.Minute
}

// InFlightTTL bounds how long a duplicate-submission guard may be held.
func (c Config) InFlightTTL() time.Duration {
	return time.Duration(c.Pipeline.InFlightTTLMinutes) * time.Minute
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
