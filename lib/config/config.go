// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Gleaner.
type Config struct {
	// Environment identifies the deployment type (development, staging,
	// production).
	Environment Environment `yaml:"environment"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Agent configures the external automation agent endpoint.
	Agent AgentConfig `yaml:"agent"`

	// Sync configures the periodic usage reconciliation loop.
	Sync SyncConfig `yaml:"sync"`

	// Lifecycle configures worker session supervision.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Retry configures provisioning retry behavior.
	Retry RetryConfig `yaml:"retry"`

	// Breaker configures the per-provider circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Alerts configures alert delivery.
	Alerts AlertsConfig `yaml:"alerts"`

	// Archive configures nightly ledger snapshot archiving.
	Archive ArchiveConfig `yaml:"archive"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Agent   *AgentConfig   `yaml:"agent,omitempty"`
	Sync    *SyncConfig    `yaml:"sync,omitempty"`
	Alerts  *AlertsConfig  `yaml:"alerts,omitempty"`
	Archive *ArchiveConfig `yaml:"archive,omitempty"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Data is the base directory for Gleaner state: the ledger
	// database, daemon key, and snapshot archives live under it.
	Data string `yaml:"data"`

	// Socket is the Unix socket path for the daemon control plane.
	Socket string `yaml:"socket"`

	// Providers is the path to the provider policy file (JSONC).
	Providers string `yaml:"providers"`

	// Archives is where ledger snapshot archives are written.
	// Defaults to <data>/archives.
	Archives string `yaml:"archives"`

	// KeyFile is the path to the archive encryption key (32 bytes,
	// hex). Defaults to <data>/archive.key.
	KeyFile string `yaml:"key_file"`
}

// AgentConfig configures the external automation agent endpoint. The
// agent performs the actual dashboard reads and session provisioning;
// the daemon only ever talks to this one URL.
type AgentConfig struct {
	// URL is the agent's root URL, usually loopback.
	URL string `yaml:"url"`
}

// SyncConfig configures the periodic usage reconciliation loop.
type SyncConfig struct {
	// Interval between reconciliation rounds. Ignored when Schedule
	// is set.
	Interval Duration `yaml:"interval"`

	// Schedule is an optional cron expression (five fields, UTC) that
	// replaces the fixed interval.
	Schedule string `yaml:"schedule"`

	// ScrapeTimeout bounds a single provider scrape.
	ScrapeTimeout Duration `yaml:"scrape_timeout"`

	// Concurrency is the maximum number of providers scraped at once.
	Concurrency int `yaml:"concurrency"`
}

// LifecycleConfig configures worker session supervision.
type LifecycleConfig struct {
	// HeartbeatInterval is how often active sessions are re-checked
	// against their limits.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// IdleTimeout stops a running session once no work has arrived
	// for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// StopGracePeriod bounds a provider stop call before the worker
	// is marked failed.
	StopGracePeriod Duration `yaml:"stop_grace_period"`
}

// RetryConfig configures provisioning retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first failure.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the first backoff delay.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay Duration `yaml:"max_delay"`

	// Multiplier scales the delay between attempts.
	Multiplier float64 `yaml:"multiplier"`

	// JitterFactor is the symmetric jitter fraction applied to each
	// delay, in [0, 1].
	JitterFactor float64 `yaml:"jitter_factor"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before a probe
	// is allowed through.
	ResetTimeout Duration `yaml:"reset_timeout"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	// WebhookURL receives JSON alert payloads via POST. Empty
	// disables webhook delivery; alerts still go to the log and the
	// in-memory history.
	WebhookURL string `yaml:"webhook_url"`

	// HistorySize is the number of recent alerts retained for the
	// control plane "alerts" action.
	HistorySize int `yaml:"history_size"`
}

// ArchiveConfig configures nightly ledger snapshot archiving.
type ArchiveConfig struct {
	// Enabled turns the nightly archive job on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression (five fields, UTC) for the
	// archive job.
	Schedule string `yaml:"schedule"`

	// RetentionDays is how long archive files are kept before the
	// retention sweep removes them.
	RetentionDays int `yaml:"retention_days"`

	// Compression selects the archive compression codec: "zstd",
	// "lz4", or "none".
	Compression string `yaml:"compression"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback; the
// config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultData := filepath.Join(homeDir, ".local", "share", "gleaner")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Data:      defaultData,
			Socket:    "/run/gleaner/gleanerd.sock",
			Providers: filepath.Join(defaultData, "providers.jsonc"),
			Archives:  filepath.Join(defaultData, "archives"),
			KeyFile:   filepath.Join(defaultData, "archive.key"),
		},
		Agent: AgentConfig{
			URL: "http://127.0.0.1:8377",
		},
		Sync: SyncConfig{
			Interval:      Duration(10 * time.Minute),
			ScrapeTimeout: Duration(30 * time.Second),
			Concurrency:   2,
		},
		Lifecycle: LifecycleConfig{
			HeartbeatInterval: Duration(time.Minute),
			IdleTimeout:       Duration(10 * time.Minute),
			StopGracePeriod:   Duration(2 * time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries:   4,
			BaseDelay:    Duration(time.Second),
			MaxDelay:     Duration(2 * time.Minute),
			Multiplier:   2.0,
			JitterFactor: 0.5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     Duration(5 * time.Minute),
		},
		Alerts: AlertsConfig{
			HistorySize: 256,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			Schedule:      "30 3 * * *",
			RetentionDays: 30,
			Compression:   "zstd",
		},
	}
}

// Load loads configuration from the GLEANER_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults; if GLEANER_CONFIG is not set,
// this fails. This ensures deterministic, auditable configuration with
// no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("GLEANER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("GLEANER_CONFIG environment variable not set; " +
			"set it to the path of your gleaner.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Data != "" {
			c.Paths.Data = overrides.Paths.Data
		}
		if overrides.Paths.Socket != "" {
			c.Paths.Socket = overrides.Paths.Socket
		}
		if overrides.Paths.Providers != "" {
			c.Paths.Providers = overrides.Paths.Providers
		}
		if overrides.Paths.Archives != "" {
			c.Paths.Archives = overrides.Paths.Archives
		}
		if overrides.Paths.KeyFile != "" {
			c.Paths.KeyFile = overrides.Paths.KeyFile
		}
	}

	if overrides.Agent != nil {
		if overrides.Agent.URL != "" {
			c.Agent.URL = overrides.Agent.URL
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.Interval != 0 {
			c.Sync.Interval = overrides.Sync.Interval
		}
		if overrides.Sync.Schedule != "" {
			c.Sync.Schedule = overrides.Sync.Schedule
		}
		if overrides.Sync.ScrapeTimeout != 0 {
			c.Sync.ScrapeTimeout = overrides.Sync.ScrapeTimeout
		}
		if overrides.Sync.Concurrency != 0 {
			c.Sync.Concurrency = overrides.Sync.Concurrency
		}
	}

	if overrides.Alerts != nil {
		if overrides.Alerts.WebhookURL != "" {
			c.Alerts.WebhookURL = overrides.Alerts.WebhookURL
		}
		if overrides.Alerts.HistorySize != 0 {
			c.Alerts.HistorySize = overrides.Alerts.HistorySize
		}
	}

	if overrides.Archive != nil {
		// Enabled is a bool, so it is always applied from overrides.
		c.Archive.Enabled = overrides.Archive.Enabled
		if overrides.Archive.Schedule != "" {
			c.Archive.Schedule = overrides.Archive.Schedule
		}
		if overrides.Archive.RetentionDays != 0 {
			c.Archive.RetentionDays = overrides.Archive.RetentionDays
		}
		if overrides.Archive.Compression != "" {
			c.Archive.Compression = overrides.Archive.Compression
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"GLEANER_DATA": c.Paths.Data,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Data = expandVars(c.Paths.Data, vars)
	vars["GLEANER_DATA"] = c.Paths.Data // Update for dependent paths.

	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Paths.Providers = expandVars(c.Paths.Providers, vars)
	c.Paths.Archives = expandVars(c.Paths.Archives, vars)
	c.Paths.KeyFile = expandVars(c.Paths.KeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Data == "" {
		errs = append(errs, fmt.Errorf("paths.data is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, fmt.Errorf("paths.socket is required"))
	}
	if c.Paths.Providers == "" {
		errs = append(errs, fmt.Errorf("paths.providers is required"))
	}

	if c.Agent.URL == "" {
		errs = append(errs, fmt.Errorf("agent.url is required"))
	}

	if c.Sync.Interval <= 0 && c.Sync.Schedule == "" {
		errs = append(errs, fmt.Errorf("sync.interval must be positive when sync.schedule is unset"))
	}
	if c.Sync.ScrapeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.scrape_timeout must be positive"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1"))
	}

	if c.Lifecycle.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.heartbeat_interval must be positive"))
	}
	if c.Lifecycle.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.idle_timeout must be positive"))
	}
	if c.Lifecycle.StopGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.stop_grace_period must be positive"))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay must be at least retry.base_delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1"))
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter_factor must be in [0, 1]"))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout must be positive"))
	}

	if c.Alerts.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("alerts.history_size must be at least 1"))
	}

	if c.Archive.Enabled {
		if c.Archive.Schedule == "" {
			errs = append(errs, fmt.Errorf("archive.schedule is required when archive.enabled is true"))
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, fmt.Errorf("archive.retention_days must be at least 1"))
		}
		switch c.Archive.Compression {
		case "zstd", "lz4", "none":
		default:
			errs = append(errs, fmt.Errorf("archive.compression must be one of: zstd, lz4, none"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LedgerPath returns the path of the ledger database under the data
// directory.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.Data, "ledger.db")
}

// DaemonKeyPath returns the path of the daemon's age private key file.
func (c *Config) DaemonKeyPath() string {
	return filepath.Join(c.Paths.Data, "daemon.key")
}

// VaultPath returns the directory holding sealed provider credentials.
func (c *Config) VaultPath() string {
	return filepath.Join(c.Paths.Data, "vault")
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Data,
		c.Paths.Archives,
		filepath.Dir(c.Paths.Socket),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
