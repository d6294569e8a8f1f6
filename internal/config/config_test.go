package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/atmx/options-indexer/internal/period"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.HTTP.Addr != ":8080" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !slices.Equal(cfg.Periods.Hourly, period.HourlyPeriods) {
		t.Errorf("hourly = %v", cfg.Periods.Hourly)
	}
	if cfg.Kafka.SessionTimeout != 30*time.Second {
		t.Errorf("session timeout = %s", cfg.Kafka.SessionTimeout)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexer.yaml")
	yaml := `
storage:
  backend: postgres
  database_url: postgres://file
kafka:
  enabled: true
  topic: lyra-events
periods:
  hourly: [3600, 86400]
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPTIONS_INDEXER_STORAGE_DATABASE_URL", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DatabaseURL != "postgres://env" {
		t.Errorf("database url = %q, want env override", cfg.Storage.DatabaseURL)
	}
	if cfg.Kafka.Topic != "lyra-events" || cfg.Kafka.GroupID != "options-indexer" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if !slices.Equal(cfg.Periods.Hourly, []int64{3600, 86400}) {
		t.Errorf("hourly = %v", cfg.Periods.Hourly)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }, "database_url"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"redis without ttl", func(c *Config) { c.Storage.RedisURL = "redis://x"; c.Storage.CacheTTL = 0 }, "cache_ttl"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"hourly not nested", func(c *Config) { c.Periods.Hourly = []int64{3600, 5400} }, "periods.hourly"},
		{"hourly unsorted", func(c *Config) { c.Periods.Hourly = []int64{86400, 3600} }, "periods.hourly"},
		{"empty candles", func(c *Config) { c.Periods.Candles = nil }, "periods.candles"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
