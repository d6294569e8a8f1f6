// Package config loads the indexer's configuration from an optional YAML
// file and OPTIONS_INDEXER_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/options-indexer/internal/period"
)

// Config is the complete indexer configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Periods PeriodsConfig `mapstructure:"periods"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the document backend. Backend is "memory" or
// "postgres"; RedisURL optionally fronts postgres with a cache.
type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig configures the live event consumer.
type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// ReplayConfig names a JSON-lines file applied before live consumption.
type ReplayConfig struct {
	File string `mapstructure:"file"`
}

// PeriodsConfig holds the snapshot period lists in seconds.
type PeriodsConfig struct {
	Hourly  []int64 `mapstructure:"hourly"`
	Candles []int64 `mapstructure:"candles"`
}

// LoggingConfig configures slog output. An empty File logs to stdout.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from path, if non-empty, and the environment.
// OPTIONS_INDEXER_STORAGE_DATABASE_URL overrides storage.database_url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPTIONS_INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", "30s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "options-events")
	v.SetDefault("kafka.group_id", "options-indexer")
	v.SetDefault("kafka.session_timeout", "30s")

	v.SetDefault("replay.file", "")

	v.SetDefault("periods.hourly", period.HourlyPeriods)
	v.SetDefault("periods.candles", period.CandlePeriods)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: memory, postgres")
	}
	if c.Storage.RedisURL != "" && c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("storage.cache_ttl must be positive when redis is enabled")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka.group_id is required when kafka is enabled")
		}
	}

	if err := period.Validate(c.Periods.Hourly); err != nil {
		return fmt.Errorf("periods.hourly: %w", err)
	}
	if err := period.ValidateUnordered(c.Periods.Candles); err != nil {
		return fmt.Errorf("periods.candles: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}
