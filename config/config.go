// Package config loads changefeed worker configuration: a YAML file read
// through viper, overridable by environment variables and command-line
// flags bound with pflag, with cast used for defensive type coercion of
// values that may arrive as strings (env vars) or numbers (YAML).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of worker tunables, plus the connection and
// identity inputs its collaborators require.
type Config struct {
	// ConnectionString is the database/sql data source name, passed
	// verbatim to sql.Open("sqlserver", ConnectionString).
	ConnectionString string `mapstructure:"connection_string"`

	// Schema and Table identify the user table being tracked.
	Schema string `mapstructure:"schema"`
	Table  string `mapstructure:"table"`

	// WorkerID is this process's stable identity, conventionally "host
	// machine name + process tag".
	WorkerID string `mapstructure:"worker_id"`

	BatchSize            int           `mapstructure:"batch_size"`
	PollingInterval       time.Duration `mapstructure:"polling_interval"`
	LeaseInterval         time.Duration `mapstructure:"lease_interval"`
	MaxLeaseRenewalCount  int           `mapstructure:"max_lease_renewal_count"`
	MaxDequeueCount       int           `mapstructure:"max_dequeue_count"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`

	LogLevel string `mapstructure:"log_level"`
}

// Defaults mirror the reference Azure Functions SQL bindings extension's
// documented defaults.
const (
	DefaultBatchSize             = 100
	DefaultPollingInterval       = 1 * time.Second
	DefaultLeaseInterval         = 60 * time.Second
	DefaultMaxLeaseRenewalCount  = 10
	DefaultMaxDequeueCount       = 5
	DefaultCleanupInterval       = 60 * time.Second
	DefaultLogLevel              = "info"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("polling_interval", DefaultPollingInterval)
	v.SetDefault("lease_interval", DefaultLeaseInterval)
	v.SetDefault("max_lease_renewal_count", DefaultMaxLeaseRenewalCount)
	v.SetDefault("max_dequeue_count", DefaultMaxDequeueCount)
	v.SetDefault("cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("log_level", DefaultLogLevel)
}

// Load reads configuration from the given file path (if non-empty), then
// environment variables prefixed CHANGEFEED_, then flags bound in fs (if
// non-nil), in increasing order of precedence -- matching viper's own
// precedence rules.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("changefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := &Config{
		ConnectionString:     v.GetString("connection_string"),
		Schema:               v.GetString("schema"),
		Table:                v.GetString("table"),
		WorkerID:             v.GetString("worker_id"),
		BatchSize:            cast.ToInt(v.Get("batch_size")),
		PollingInterval:      v.GetDuration("polling_interval"),
		LeaseInterval:        v.GetDuration("lease_interval"),
		MaxLeaseRenewalCount: cast.ToInt(v.Get("max_lease_renewal_count")),
		MaxDequeueCount:      cast.ToInt(v.Get("max_dequeue_count")),
		CleanupInterval:      v.GetDuration("cleanup_interval"),
		LogLevel:             v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would otherwise fail deep inside the
// core with a confusing error, by checking arguments at load time rather
// than at first use.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("config: connection_string is required")
	}
	if c.Schema == "" || c.Table == "" {
		return fmt.Errorf("config: schema and table are required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("config: worker_id is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("config: polling_interval must be positive, got %s", c.PollingInterval)
	}
	if c.LeaseInterval <= 0 {
		return fmt.Errorf("config: lease_interval must be positive, got %s", c.LeaseInterval)
	}
	if c.MaxLeaseRenewalCount <= 0 {
		return fmt.Errorf("config: max_lease_renewal_count must be positive, got %d", c.MaxLeaseRenewalCount)
	}
	if c.MaxDequeueCount <= 0 {
		return fmt.Errorf("config: max_dequeue_count must be positive, got %d", c.MaxDequeueCount)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup_interval must be positive, got %s", c.CleanupInterval)
	}
	return nil
}
