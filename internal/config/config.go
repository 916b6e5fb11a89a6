// Package config loads and validates orchestrator configuration from YAML,
// applies environment overrides, and supports live reload of runtime-safe
// tunables via fsnotify.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Healing    HealingConfig    `yaml:"healing"`
	Certify    CertifyConfig    `yaml:"certify"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SchedulerConfig bounds shard dispatch.
type SchedulerConfig struct {
	// MaxConcurrency is the worker pool size, the only source of parallelism.
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultMaxShards caps decomposition when a plan supplies no constraint.
	DefaultMaxShards int `yaml:"default_max_shards"`

	// InitialShardsPerStage controls first-pass decomposition fan-out.
	InitialShardsPerStage int `yaml:"initial_shards_per_stage"`

	// SplitFanout is how many children replace a shard on split.
	SplitFanout int `yaml:"split_fanout"`

	// AutosplitP95 triggers pre-emptive splitting when a stage's rolling
	// p95 latency exceeds it. Zero disables autosplit.
	AutosplitP95 string `yaml:"autosplit_p95"`

	// LatencyWindow is the number of completions in the rolling p95 sample.
	LatencyWindow int `yaml:"latency_window"`

	// DefaultSLO applies to stages that declare none.
	DefaultSLO string `yaml:"default_slo"`
}

// HealingConfig bounds the healing controller.
type HealingConfig struct {
	RetryLimit     int `yaml:"retry_limit"`
	HealDepthLimit int `yaml:"heal_depth_limit"`
}

// CertifyConfig controls the certification pipeline.
type CertifyConfig struct {
	// QuorumRule is "majority" (strict majority) or "unanimous".
	QuorumRule string `yaml:"quorum_rule"`

	// FederationTimeout bounds each authority call. Non-response within
	// the window counts as a non-approval.
	FederationTimeout string `yaml:"federation_timeout"`
}

// CheckpointConfig controls the durable store.
type CheckpointConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file (sqlite driver).
	Path string `yaml:"path"`

	// DSN is the postgres connection string (postgres driver).
	DSN string `yaml:"dsn"`

	// WriteRetries and WriteBackoff govern checkpoint write retry before
	// the failure turns fatal for the plan.
	WriteRetries int    `yaml:"write_retries"`
	WriteBackoff string `yaml:"write_backoff"`

	// Retention is how long terminal plans are kept before Purge removes them.
	Retention string `yaml:"retention"`
}

// EventsConfig controls the event cache and router.
type EventsConfig struct {
	CacheCapacity  int `yaml:"cache_capacity"`
	RelayQueueSize int `yaml:"relay_queue_size"`
}

// APIConfig controls the HTTP plan API.
type APIConfig struct {
	Listen string `yaml:"listen"`

	// AdminToken guards privileged operations (retry). Empty disables them.
	AdminToken string `yaml:"admin_token"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "orchard",
		DataDir: "data",

		Scheduler: SchedulerConfig{
			MaxConcurrency:        8,
			DefaultMaxShards:      64,
			InitialShardsPerStage: 4,
			SplitFanout:           4,
			AutosplitP95:          "0s",
			LatencyWindow:         64,
			DefaultSLO:            "30s",
		},

		Healing: HealingConfig{
			RetryLimit:     3,
			HealDepthLimit: 3,
		},

		Certify: CertifyConfig{
			QuorumRule:        "majority",
			FederationTimeout: "10s",
		},

		Checkpoint: CheckpointConfig{
			Driver:       "sqlite",
			Path:         "data/orchard.db",
			WriteRetries: 3,
			WriteBackoff: "250ms",
			Retention:    "168h",
		},

		Events: EventsConfig{
			CacheCapacity:  1024,
			RelayQueueSize: 256,
		},

		API: APIConfig{
			Listen: "127.0.0.1:7070",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies ORCHARD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ORCHARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ORCHARD_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("ORCHARD_ADMIN_TOKEN"); v != "" {
		c.API.AdminToken = v
	}
	if v := os.Getenv("ORCHARD_DB"); v != "" {
		c.Checkpoint.Path = v
	}
	if v := os.Getenv("ORCHARD_PG_DSN"); v != "" {
		c.Checkpoint.DSN = v
		c.Checkpoint.Driver = "postgres"
	}
	if v := os.Getenv("ORCHARD_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrency = n
		}
	}
	if v := os.Getenv("ORCHARD_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.SplitFanout < 2 {
		return fmt.Errorf("scheduler.split_fanout must be at least 2, got %d", c.Scheduler.SplitFanout)
	}
	if c.Healing.HealDepthLimit < 0 {
		return fmt.Errorf("healing.heal_depth_limit must be non-negative, got %d", c.Healing.HealDepthLimit)
	}
	switch c.Certify.QuorumRule {
	case "majority", "unanimous":
	default:
		return fmt.Errorf("certify.quorum_rule must be majority or unanimous, got %q", c.Certify.QuorumRule)
	}
	switch c.Checkpoint.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("checkpoint.driver must be sqlite or postgres, got %q", c.Checkpoint.Driver)
	}
	if c.Checkpoint.Driver == "postgres" && c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn required for postgres driver")
	}
	if c.Events.CacheCapacity <= 0 {
		return fmt.Errorf("events.cache_capacity must be positive, got %d", c.Events.CacheCapacity)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// AutosplitP95Threshold returns the autosplit trigger, zero when disabled.
func (c *Config) AutosplitP95Threshold() time.Duration {
	return parseDuration(c.Scheduler.AutosplitP95, 0)
}

// DefaultSLO returns the stage SLO fallback as a duration.
func (c *Config) DefaultSLO() time.Duration {
	return parseDuration(c.Scheduler.DefaultSLO, 30*time.Second)
}

// FederationTimeout returns the per-authority certification timeout.
func (c *Config) FederationTimeout() time.Duration {
	return parseDuration(c.Certify.FederationTimeout, 10*time.Second)
}

// CheckpointBackoff returns the checkpoint write retry backoff.
func (c *Config) CheckpointBackoff() time.Duration {
	return parseDuration(c.Checkpoint.WriteBackoff, 250*time.Millisecond)
}

// Retention returns the terminal-plan retention window.
func (c *Config) Retention() time.Duration {
	return parseDuration(c.Checkpoint.Retention, 168*time.Hour)
}
