// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Secrets (DSNs, API keys) come from the
// environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	Database DatabaseConfig `yaml:"database"`
	Nesstar  NesstarConfig  `yaml:"nesstar"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	NADA     NADAConfig     `yaml:"nada"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig selects and connects the storage backend.
type DatabaseConfig struct {
	Kind   string `yaml:"kind" env:"DB_KIND" env-default:"postgres"`
	DSN    string `yaml:"-" env:"DB_DSN"` // Secret - not in YAML
	Schema string `yaml:"schema" env:"DB_SCHEMA" env-default:"public"`
}

// NesstarConfig drives the external converter bridge.
type NesstarConfig struct {
	// BinaryThresholdBytes routes .nesstar uploads above this size straight to
	// the converter instead of attempting a direct parse.
	BinaryThresholdBytes int64 `yaml:"binary_threshold_bytes" env:"NESSTAR_BINARY_THRESHOLD_BYTES" env-default:"104857600"`

	ConverterExe    string `yaml:"converter_exe" env:"NESSTAR_CONVERTER_EXE" env-default:""`
	ConverterScript string `yaml:"converter_script" env:"NESSTAR_CONVERTER_SCRIPT" env-default:""`

	TimeoutMinutes int     `yaml:"timeout_minutes" env:"NESSTAR_TIMEOUT_MINUTES" env-default:"30"`
	MaxAttempts    int     `yaml:"max_attempts" env:"NESSTAR_MAX_ATTEMPTS" env-default:"3"`
	MinDataBytes   int64   `yaml:"min_data_bytes" env:"NESSTAR_MIN_DATA_BYTES" env-default:"1024"`
	MismatchRatio  float64 `yaml:"mismatch_ratio" env:"NESSTAR_MISMATCH_RATIO" env-default:"0.10"`
}

// Enabled reports whether .nesstar conversion can run: the converter
// executable must be configured and exist on disk.
func (c *NesstarConfig) Enabled() bool {
	if c.ConverterExe == "" {
		return false
	}
	_, err := os.Stat(c.ConverterExe)
	return err == nil
}

// Timeout returns the converter deadline as a duration.
func (c *NesstarConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// PipelineConfig tunes directory processing.
type PipelineConfig struct {
	// MetadataMatchRatio is the minimum share of .nsdstat variables that must
	// match data columns before a file is ingested.
	MetadataMatchRatio float64 `yaml:"metadata_match_ratio" env:"PIPELINE_METADATA_MATCH_RATIO" env-default:"0.50"`
}

// WatcherConfig tunes the job completion watcher.
type WatcherConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" env:"WATCHER_INTERVAL_SECONDS" env-default:"5"`
}

// Interval returns the poll interval as a duration.
func (c *WatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// NADAConfig points at the remote catalog.
type NADAConfig struct {
	BaseURL    string `yaml:"base_url" env:"NADA_BASE_URL" env-default:""`
	APIKey     string `yaml:"-" env:"NADA_API_KEY"` // Secret - not in YAML
	MaxRetries int    `yaml:"max_retries" env:"NADA_MAX_RETRIES" env-default:"3"`
}

// MetricsConfig selects the metrics backend. Empty disables emission.
type MetricsConfig struct {
	Backend string `yaml:"backend" env:"METRICS_BACKEND" env-default:""`
}

// Load reads configuration. When path names an existing YAML file it is read
// with environment overrides; otherwise configuration comes from the
// environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.validate()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read config from environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Database.Kind {
	case "postgres", "sqlite", "mssql":
	default:
		return fmt.Errorf("unknown database kind %q", c.Database.Kind)
	}
	if c.Pipeline.MetadataMatchRatio < 0 || c.Pipeline.MetadataMatchRatio > 1 {
		return fmt.Errorf("metadata_match_ratio %v out of range [0,1]", c.Pipeline.MetadataMatchRatio)
	}
	if c.Nesstar.MismatchRatio < 0 || c.Nesstar.MismatchRatio > 1 {
		return fmt.Errorf("nesstar mismatch_ratio %v out of range [0,1]", c.Nesstar.MismatchRatio)
	}
	return nil
}
