// Package config loads the portico configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/portico/pkg/portal"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultListenAddr          = "127.0.0.1:8460"
	DefaultDatabasePath        = "portico.db"
	DefaultMaxConcurrentLogins = 4
	DefaultLoginTimeout        = 2 * time.Minute
	DefaultSessionIdleTTL      = 20 * time.Minute
	DefaultChallengeTTL        = 5 * time.Minute
	DefaultAttemptTimeout      = 45 * time.Second
	DefaultMaxAttempts         = 3
	DefaultRetryBaseDelay      = 2 * time.Second
	DefaultBatchConcurrency    = 2
	DefaultBatchRatePerSecond  = 0.5
	DefaultMonitorInterval     = 4 * time.Hour
	DefaultMonitorCheckTimeout = 90 * time.Second
)

// Config is the root portico configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Storage      StorageConfig       `yaml:"storage"`
	Bus          BusConfig           `yaml:"bus"`
	Session      SessionConfig       `yaml:"session"`
	Retry        RetryConfig         `yaml:"retry"`
	Batch        BatchConfig         `yaml:"batch"`
	Monitor      MonitorConfig       `yaml:"monitor"`
	Integrations []IntegrationConfig `yaml:"integrations"`

	// CredentialsFile points at the separately-managed credentials YAML.
	CredentialsFile string `yaml:"credentials_file"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// BusConfig selects the progress-event bus backend.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// MaxConcurrentLogins bounds simultaneous authentications across all
	// keys to protect downstream portals from burst load.
	MaxConcurrentLogins int           `yaml:"max_concurrent_logins"`
	LoginTimeout        time.Duration `yaml:"login_timeout"`
	// IdleTTL closes sessions unused for this long. The persisted
	// snapshot is retained for the next acquisition.
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
}

// RetryConfig tunes the extraction pipeline retry policy.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, initial try included.
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// BatchConfig tunes the batch runner.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	// RatePerSecond paces record starts against the target portal.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	// Tenant is the tenant whose credentials the monitor uses.
	Tenant string `yaml:"tenant"`
}

// IntegrationConfig declares one configured integration.
type IntegrationConfig struct {
	ID string `yaml:"id"`
	// Adapter selects the adapter implementation. Empty selects
	// "formgate", the generic form-login adapter.
	Adapter string `yaml:"adapter"`
	// BaseURL is the portal root the adapter drives.
	BaseURL string `yaml:"base_url"`
	// ProbeRecord is the canonical known-good test record the health
	// monitor extracts.
	ProbeRecord portal.Record `yaml:"probe_record"`
	// Classification selects the health classification policy:
	// "default" or "strict" (see health.ClassifierFor).
	Classification string `yaml:"classification"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{ListenAddr: DefaultListenAddr},
		Storage: StorageConfig{DatabasePath: DefaultDatabasePath},
		Bus:     BusConfig{Kind: "memory"},
		Session: SessionConfig{
			MaxConcurrentLogins: DefaultMaxConcurrentLogins,
			LoginTimeout:        DefaultLoginTimeout,
			IdleTTL:             DefaultSessionIdleTTL,
			ChallengeTTL:        DefaultChallengeTTL,
		},
		Retry: RetryConfig{
			MaxAttempts:    DefaultMaxAttempts,
			BaseDelay:      DefaultRetryBaseDelay,
			AttemptTimeout: DefaultAttemptTimeout,
		},
		Batch: BatchConfig{
			MaxConcurrent: DefaultBatchConcurrency,
			RatePerSecond: DefaultBatchRatePerSecond,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Interval:     DefaultMonitorInterval,
			CheckTimeout: DefaultMonitorCheckTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is an
// error; use Default directly for an all-defaults configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants and fills gaps with defaults.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = DefaultDatabasePath
	}
	switch c.Bus.Kind {
	case "", "memory":
		c.Bus.Kind = "memory"
	case "nats":
	default:
		return fmt.Errorf("config: unknown bus kind %q", c.Bus.Kind)
	}
	if c.Session.MaxConcurrentLogins <= 0 {
		c.Session.MaxConcurrentLogins = DefaultMaxConcurrentLogins
	}
	if c.Session.LoginTimeout <= 0 {
		c.Session.LoginTimeout = DefaultLoginTimeout
	}
	if c.Session.IdleTTL <= 0 {
		c.Session.IdleTTL = DefaultSessionIdleTTL
	}
	if c.Session.ChallengeTTL <= 0 {
		c.Session.ChallengeTTL = DefaultChallengeTTL
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Batch.MaxConcurrent <= 0 {
		c.Batch.MaxConcurrent = DefaultBatchConcurrency
	}
	if c.Batch.RatePerSecond <= 0 {
		c.Batch.RatePerSecond = DefaultBatchRatePerSecond
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = DefaultMonitorInterval
	}
	if c.Monitor.CheckTimeout <= 0 {
		c.Monitor.CheckTimeout = DefaultMonitorCheckTimeout
	}

	seen := make(map[string]bool, len(c.Integrations))
	for i, integ := range c.Integrations {
		if integ.ID == "" {
			return fmt.Errorf("config: integration with empty id")
		}
		if seen[integ.ID] {
			return fmt.Errorf("config: duplicate integration %q", integ.ID)
		}
		seen[integ.ID] = true
		if integ.Adapter == "" {
			c.Integrations[i].Adapter = "formgate"
		}
	}
	return nil
}

// Integration returns the configuration for one integration id.
func (c *Config) Integration(id string) (IntegrationConfig, bool) {
	for _, integ := range c.Integrations {
		if integ.ID == id {
			return integ, true
		}
	}
	return IntegrationConfig{}, false
}
