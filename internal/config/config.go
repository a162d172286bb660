// Package config loads and validates scan service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs worker and retry behavior for the durable queue.
type QueueConfig struct {
	Concurrency        int    `mapstructure:"concurrency"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	BackoffType        string `mapstructure:"backoff_type"`
	BackoffDelayMs     int    `mapstructure:"backoff_delay_ms"`
	BackoffMaxDelayMs  int    `mapstructure:"backoff_max_delay_ms"`
	LockDurationSec    int    `mapstructure:"lock_duration_seconds"`
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	StalledIntervalSec int    `mapstructure:"stalled_interval_seconds"`
	UnhealthyFailures  int    `mapstructure:"unhealthy_failures"`
	CompletedTTLSec    int    `mapstructure:"completed_ttl_seconds"`
	Topic              string `mapstructure:"topic"`
}

// BatchConfig governs concurrent batch audit execution.
type BatchConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	ProbeTimeoutSec int `mapstructure:"probe_timeout_seconds"`
	CompletedTTLSec int `mapstructure:"completed_ttl_seconds"`
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	TimeoutSec       int `mapstructure:"timeout_seconds"`
}

// ProbeConfig configures page inspection behavior.
type ProbeConfig struct {
	Mode          string `mapstructure:"mode"`
	UserAgent     string `mapstructure:"user_agent"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	TimeoutSec    int    `mapstructure:"timeout_seconds"`
}

// StorageConfig sets paths and content types for result persistence.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
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
	v.SetEnvPrefix("SCANQ")
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
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_type", "exponential")
	v.SetDefault("queue.backoff_delay_ms", 2000)
	v.SetDefault("queue.backoff_max_delay_ms", 60000)
	v.SetDefault("queue.lock_duration_seconds", 60)
	v.SetDefault("queue.poll_interval_ms", 250)
	v.SetDefault("queue.stalled_interval_seconds", 30)
	v.SetDefault("queue.unhealthy_failures", 25)
	v.SetDefault("queue.completed_ttl_seconds", 0)
	v.SetDefault("queue.topic", "scan-events")
	v.SetDefault("batch.batch_size", 4)
	v.SetDefault("batch.probe_timeout_seconds", 45)
	v.SetDefault("batch.completed_ttl_seconds", 0)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout_seconds", 30)
	v.SetDefault("probe.mode", "static")
	v.SetDefault("probe.user_agent", "scanq-bot/0.1")
	v.SetDefault("probe.max_parallel", 2)
	v.SetDefault("probe.nav_timeout_seconds", 25)
	v.SetDefault("probe.timeout_seconds", 30)
	v.SetDefault("storage.prefix", "scans")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be > 0")
	}
	if c.Breaker.TimeoutSec <= 0 {
		return fmt.Errorf("breaker.timeout_seconds must be > 0")
	}
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch.batch_size must be > 0")
	}
	switch c.Probe.Mode {
	case "static", "headless":
	default:
		return fmt.Errorf("probe.mode must be static or headless, got %q", c.Probe.Mode)
	}
	if c.Probe.Mode == "headless" && c.Probe.MaxParallel <= 0 {
		return fmt.Errorf("probe.max_parallel must be > 0 when probe mode is headless")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ProbeTimeout converts the probe timeout into a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSec) * time.Second
}
