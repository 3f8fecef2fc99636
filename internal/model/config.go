// Package model defines the data structures shared by the coordinator, the
// minions and the CLI: configuration, target states and work units.
package model

import "time"

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Minion      MinionConfig      `yaml:"minion"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Status      StatusConfig      `yaml:"status"`
	Audit       AuditConfig       `yaml:"audit"`
	Fleet       FleetConfig       `yaml:"fleet"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CoordinatorConfig struct {
	Listen               string `yaml:"listen"`                  // host:port, or unix:/path/to.sock
	MaxParallelWorkUnits int    `yaml:"max_parallel_work_units"` // cap per request_work_units call
	MetricsListen        string `yaml:"metrics_listen"`          // empty disables the /metrics endpoint
	ConnTimeoutSec       int    `yaml:"conn_timeout_sec"`
	ShutdownTimeoutSec   int    `yaml:"shutdown_timeout_sec"`
	// LingerMs keeps the RPC endpoint up after the build finishes so that
	// polling minions learn the outcome.
	LingerMs int `yaml:"linger_ms"`
}

type MinionConfig struct {
	MaxParallelWorkUnits int `yaml:"max_parallel_work_units"`
	PollIntervalMs       int `yaml:"poll_interval_ms"`
	MaxPollIntervalMs    int `yaml:"max_poll_interval_ms"`
	RequestTimeoutSec    int `yaml:"request_timeout_sec"`
}

type ExecutorConfig struct {
	Command []string          `yaml:"command"`
	WorkDir string            `yaml:"work_dir"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type StatusConfig struct {
	Dir string `yaml:"dir"`
}

type AuditConfig struct {
	Path       string `yaml:"path"` // empty disables the audit log
	MaxSizeMB  int    `yaml:"max_size_mb"`
	BufferSize int    `yaml:"buffer_size"`
}

// FleetConfig drives "stampede fleet": an in-process coordinator plus local
// minions, with an optional local fallback build.
type FleetConfig struct {
	Minions       int    `yaml:"minions"`
	FallbackLocal bool   `yaml:"fallback_local"`
	BuildLabel    string `yaml:"build_label"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Explicit values from the config file win.
func (c *Config) ApplyDefaults() {
	if c.Coordinator.Listen == "" {
		c.Coordinator.Listen = "127.0.0.1:0"
	}
	if c.Coordinator.MaxParallelWorkUnits <= 0 {
		c.Coordinator.MaxParallelWorkUnits = 10
	}
	if c.Coordinator.ConnTimeoutSec <= 0 {
		c.Coordinator.ConnTimeoutSec = 30
	}
	if c.Coordinator.ShutdownTimeoutSec <= 0 {
		c.Coordinator.ShutdownTimeoutSec = 30
	}
	if c.Coordinator.LingerMs <= 0 {
		c.Coordinator.LingerMs = 1000
	}
	if c.Minion.MaxParallelWorkUnits <= 0 {
		c.Minion.MaxParallelWorkUnits = c.Coordinator.MaxParallelWorkUnits
	}
	if c.Minion.PollIntervalMs <= 0 {
		c.Minion.PollIntervalMs = 100
	}
	if c.Minion.MaxPollIntervalMs <= 0 {
		c.Minion.MaxPollIntervalMs = 5000
	}
	if c.Minion.MaxPollIntervalMs < c.Minion.PollIntervalMs {
		c.Minion.MaxPollIntervalMs = c.Minion.PollIntervalMs
	}
	if c.Minion.RequestTimeoutSec <= 0 {
		c.Minion.RequestTimeoutSec = 30
	}
	if c.Status.Dir == "" {
		c.Status.Dir = ".stampede/status"
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = 100
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 256
	}
	if c.Fleet.Minions <= 0 {
		c.Fleet.Minions = 2
	}
	if c.Fleet.BuildLabel == "" {
		c.Fleet.BuildLabel = "stampede"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (m MinionConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

func (m MinionConfig) MaxPollInterval() time.Duration {
	return time.Duration(m.MaxPollIntervalMs) * time.Millisecond
}

func (m MinionConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutSec) * time.Second
}

func (c CoordinatorConfig) ConnTimeout() time.Duration {
	return time.Duration(c.ConnTimeoutSec) * time.Second
}

func (c CoordinatorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c CoordinatorConfig) Linger() time.Duration {
	return time.Duration(c.LingerMs) * time.Millisecond
}
