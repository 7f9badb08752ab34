// Package config loads and validates sitemapwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Scheduler execution modes for manual triggers.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Snapshot archive backends.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	RobotsTimeoutSeconds  int     `mapstructure:"robots_timeout_seconds"`
	SitemapTimeoutSeconds int     `mapstructure:"sitemap_timeout_seconds"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	BackoffMs             int     `mapstructure:"backoff_ms"`
	MaxBodyBytes          int     `mapstructure:"max_body_bytes"`
	PerHostRPS            float64 `mapstructure:"per_host_rps"`
	PerHostBurst          int     `mapstructure:"per_host_burst"`
}

// DiscoveryConfig bounds sitemap index traversal.
type DiscoveryConfig struct {
	MaxDepth         int  `mapstructure:"max_depth"`
	MaxSitemaps      int  `mapstructure:"max_sitemaps"`
	HTMLLinkFallback bool `mapstructure:"html_link_fallback"`
}

// SchedulerConfig controls due-site selection and periodic tasks.
type SchedulerConfig struct {
	Mode                   string `mapstructure:"mode"`
	MinIntervalMinutes     int    `mapstructure:"min_interval_minutes"`
	DefaultIntervalMinutes int    `mapstructure:"default_interval_minutes"`
	DefaultPriority        int    `mapstructure:"default_priority"`
	CronSpec               string `mapstructure:"cron_spec"`
	CronMaxSites           int    `mapstructure:"cron_max_sites"`
	DrainSpec              string `mapstructure:"drain_spec"`
	DrainMaxConcurrent     int    `mapstructure:"drain_max_concurrent"`
	ReapSpec               string `mapstructure:"reap_spec"`
	StaleAfterMinutes      int    `mapstructure:"stale_after_minutes"`
	LeaseTTLSeconds        int    `mapstructure:"lease_ttl_seconds"`
}

// NotifyConfig configures outbound notification delivery.
type NotifyConfig struct {
	WebhookSecret         string `mapstructure:"webhook_secret"`
	WebhookTimeoutSeconds int    `mapstructure:"webhook_timeout_seconds"`
	SignatureHeader       string `mapstructure:"signature_header"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig points at the Redis instance used for the cron lease.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for email/slack dispatch intents.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SnapshotsConfig selects where raw sitemap bodies are archived.
type SnapshotsConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional .env file, disk, and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SITEMAPWATCH")
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
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.shutdown_grace_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("http.user_agent", "sitemapwatch/0.1 (+https://github.com/JakeFAU/sitemapwatch)")
	v.SetDefault("http.robots_timeout_seconds", 8)
	v.SetDefault("http.sitemap_timeout_seconds", 30)
	v.SetDefault("http.max_attempts", 2)
	v.SetDefault("http.backoff_ms", 200)
	v.SetDefault("http.max_body_bytes", 50*1024*1024)
	v.SetDefault("http.per_host_rps", 2.0)
	v.SetDefault("http.per_host_burst", 4)
	v.SetDefault("discovery.max_depth", 5)
	v.SetDefault("discovery.max_sitemaps", 500)
	v.SetDefault("discovery.html_link_fallback", true)
	v.SetDefault("scheduler.mode", ModeSync)
	v.SetDefault("scheduler.min_interval_minutes", 5)
	v.SetDefault("scheduler.default_interval_minutes", 1440)
	v.SetDefault("scheduler.default_priority", 3)
	v.SetDefault("scheduler.cron_spec", "*/5 * * * *")
	v.SetDefault("scheduler.cron_max_sites", 0)
	v.SetDefault("scheduler.drain_spec", "* * * * *")
	v.SetDefault("scheduler.drain_max_concurrent", 4)
	v.SetDefault("scheduler.reap_spec", "*/10 * * * *")
	v.SetDefault("scheduler.stale_after_minutes", 60)
	v.SetDefault("scheduler.lease_ttl_seconds", 60)
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.webhook_timeout_seconds", 10)
	v.SetDefault("notify.signature_header", "X-Sitemap-Signature")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "sitemapwatch-notifications")
	v.SetDefault("snapshots.backend", SnapshotsNone)
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.base_dir", "snapshots")
	v.SetDefault("snapshots.prefix", "sitemaps")
	v.SetDefault("telemetry.service_name", "sitemapwatch")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.RobotsTimeoutSeconds <= 0 || c.HTTP.SitemapTimeoutSeconds <= 0 {
		return fmt.Errorf("http.robots_timeout_seconds and http.sitemap_timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return fmt.Errorf("http.per_host_rps must be >= 0")
	}
	if c.Discovery.MaxDepth < 0 {
		return fmt.Errorf("discovery.max_depth must be >= 0")
	}
	if c.Discovery.MaxSitemaps <= 0 {
		return fmt.Errorf("discovery.max_sitemaps must be > 0")
	}
	switch c.Scheduler.Mode {
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("scheduler.mode must be %q or %q", ModeSync, ModeAsync)
	}
	if c.Scheduler.MinIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.min_interval_minutes must be > 0")
	}
	if c.Scheduler.DefaultPriority < 1 || c.Scheduler.DefaultPriority > 5 {
		return fmt.Errorf("scheduler.default_priority must be between 1 and 5")
	}
	if c.Scheduler.DrainMaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.drain_max_concurrent must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.Snapshots.Backend {
	case SnapshotsNone, SnapshotsMemory, SnapshotsLocal:
	case SnapshotsGCS:
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set when snapshots.backend is gcs")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not supported", c.Snapshots.Backend)
	}
	return nil
}

// RobotsTimeout returns the robots.txt fetch budget.
func (c Config) RobotsTimeout() time.Duration {
	return time.Duration(c.HTTP.RobotsTimeoutSeconds) * time.Second
}

// SitemapTimeout returns the sitemap fetch budget.
func (c Config) SitemapTimeout() time.Duration {
	return time.Duration(c.HTTP.SitemapTimeoutSeconds) * time.Second
}

// StaleAfter returns how long a scan may stay active before the reaper fails it.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterMinutes) * time.Minute
}

// RequestTimeout returns the per-request budget of the HTTP API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight work.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// WebhookTimeout returns the per-delivery webhook budget.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Notify.WebhookTimeoutSeconds) * time.Second
}

// LeaseTTL returns the cron lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Scheduler.LeaseTTLSeconds) * time.Second
}
