// Package config loads runtime configuration from a YAML file with
// environment overrides (prefix OMNISQL_), via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all runtime options for the query service.
type Config struct {
	Listen string `mapstructure:"listen"`

	// ManifestDir holds the YAML connector manifests.
	ManifestDir string `mapstructure:"manifest_dir"`
	// PolicyFile holds the resolved security rule sets.
	PolicyFile string `mapstructure:"policy_file"`

	Query   QueryConfig   `mapstructure:"query"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// QueryConfig bounds a single query's execution.
type QueryConfig struct {
	// DefaultDeadlineMS applies when the request carries no deadline.
	DefaultDeadlineMS int `mapstructure:"default_deadline_ms"`
	// MaxParallel caps fan-out per query.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxRowsPerFetch is the post-fetch row cap; exceeding it fails the
	// fetch with SOURCE_ERROR.
	MaxRowsPerFetch int `mapstructure:"max_rows_per_fetch"`
	// StrictEntitlement makes an all-rows-filtered required source fatal.
	StrictEntitlement bool `mapstructure:"strict_entitlement"`
}

// CacheConfig bounds the freshness cache.
type CacheConfig struct {
	// EntriesPerTenant is the soft cap on cached rowsets per tenant.
	EntriesPerTenant int `mapstructure:"entries_per_tenant"`
	// SweepIntervalMS is how often the TTL sweeper runs in daemon mode.
	SweepIntervalMS int `mapstructure:"sweep_interval_ms"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Defaults as registered with viper.
const (
	DefaultListen           = ":9977"
	DefaultDeadlineMS       = 30000
	DefaultMaxParallel      = 16
	DefaultMaxRowsPerFetch  = 50000
	DefaultEntriesPerTenant = 512
	DefaultSweepIntervalMS  = 30000
)

// Load reads the config file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("manifest_dir", "manifests")
	v.SetDefault("policy_file", "")
	v.SetDefault("query.default_deadline_ms", DefaultDeadlineMS)
	v.SetDefault("query.max_parallel", DefaultMaxParallel)
	v.SetDefault("query.max_rows_per_fetch", DefaultMaxRowsPerFetch)
	v.SetDefault("query.strict_entitlement", false)
	v.SetDefault("cache.entries_per_tenant", DefaultEntriesPerTenant)
	v.SetDefault("cache.sweep_interval_ms", DefaultSweepIntervalMS)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)

	v.SetEnvPrefix("OMNISQL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible settings early.
func (c *Config) Validate() error {
	if c.Query.DefaultDeadlineMS <= 0 {
		return fmt.Errorf("query.default_deadline_ms must be > 0, got %d", c.Query.DefaultDeadlineMS)
	}
	if c.Query.MaxParallel <= 0 {
		return fmt.Errorf("query.max_parallel must be > 0, got %d", c.Query.MaxParallel)
	}
	if c.Query.MaxRowsPerFetch <= 0 {
		return fmt.Errorf("query.max_rows_per_fetch must be > 0, got %d", c.Query.MaxRowsPerFetch)
	}
	if c.Cache.EntriesPerTenant <= 0 {
		return fmt.Errorf("cache.entries_per_tenant must be > 0, got %d", c.Cache.EntriesPerTenant)
	}
	return nil
}

// DefaultDeadline returns the default query deadline as a duration.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.Query.DefaultDeadlineMS) * time.Millisecond
}

// SweepInterval returns the cache sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalMS) * time.Millisecond
}
