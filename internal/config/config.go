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
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// QueueConfig governs batch processing behavior.
type QueueConfig struct {
	CooldownSeconds      int `mapstructure:"cooldown_seconds"`
	BatchSizeDefault     int `mapstructure:"batch_size_default"`
	MaxProcessingMinutes int `mapstructure:"max_processing_minutes"`
	RetentionDays        int `mapstructure:"retention_days"`
}

// SchedulerConfig controls the periodic trigger.
type SchedulerConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	IntervalSeconds      int  `mapstructure:"interval_seconds"`
	CleanupIntervalHours int  `mapstructure:"cleanup_interval_hours"`
}

// ProviderConfig configures the external engagement-data client.
type ProviderConfig struct {
	Mode           string `mapstructure:"mode"` // api, scrape, or static
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig sets the blob store for raw provider payloads.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"` // gcs, memory, or noop
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
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
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("queue.cooldown_seconds", 60)
	v.SetDefault("queue.batch_size_default", 10)
	v.SetDefault("queue.max_processing_minutes", 30)
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval_seconds", 600)
	v.SetDefault("scheduler.cleanup_interval_hours", 24)
	v.SetDefault("provider.mode", "api")
	v.SetDefault("provider.timeout_seconds", 15)
	v.SetDefault("provider.user_agent", "creatorlift-ingest/1.0")
	v.SetDefault("db.table", "fetch_requests")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.CooldownSeconds <= 0 {
		return fmt.Errorf("queue.cooldown_seconds must be > 0")
	}
	if c.Queue.BatchSizeDefault <= 0 {
		return fmt.Errorf("queue.batch_size_default must be > 0")
	}
	if c.Queue.MaxProcessingMinutes <= 0 {
		return fmt.Errorf("queue.max_processing_minutes must be > 0")
	}
	if c.Queue.RetentionDays <= 0 {
		return fmt.Errorf("queue.retention_days must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0 when scheduler is enabled")
	}
	if c.Provider.Mode == "api" && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must be set when provider.mode is api")
	}
	if c.Archive.Provider == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Cooldown returns the inter-call spacing as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Queue.CooldownSeconds) * time.Second
}

// MaxProcessingTime returns the default per-run time budget.
func (c Config) MaxProcessingTime() time.Duration {
	return time.Duration(c.Queue.MaxProcessingMinutes) * time.Minute
}

// Retention returns the cleanup retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionDays) * 24 * time.Hour
}
