// Package config loads the device simulator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/nvstore/config"
)

// Device kinds.
const (
	KindMemory = "memory"
	KindFile   = "file"
)

// Config represents the complete simulator configuration.
type Config struct {
	// Device configures the flash page simulator.
	Device DeviceConfig `yaml:"device"`

	// Store configures the value store.
	Store StoreConfig `yaml:"store"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig configures the flash page simulator.
type DeviceConfig struct {
	// Kind selects the simulator: memory or file.
	Kind string `yaml:"kind"`

	// Path is the page file for the file simulator.
	Path string `yaml:"path"`

	// QueueSize bounds queued page writes.
	QueueSize int `yaml:"queue_size"`

	// WriteLatency is the simulated erase+program time.
	// Format: "0s", "5ms"
	WriteLatency time.Duration `yaml:"write_latency"`

	// FailAfter makes every page write after the first N fail.
	// Zero disables failure injection.
	FailAfter int `yaml:"fail_after"`

	// EnduranceCycles is the rated erase count of one page.
	EnduranceCycles int `yaml:"endurance_cycles"`
}

// StoreConfig configures the value store.
type StoreConfig struct {
	// AutoCommit commits each accepted update immediately.
	AutoCommit bool `yaml:"auto_commit"`

	// Locked starts the store rejecting unforced updates.
	Locked bool `yaml:"locked"`

	// CompletionQueueSize is the capacity of the completion handoff.
	CompletionQueueSize int `yaml:"completion_queue_size"`

	// PollInterval is how often the poll loop runs.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Kind:            defaults.DefaultDeviceKind,
			Path:            defaults.DefaultDevicePath,
			QueueSize:       defaults.DefaultQueueSize,
			WriteLatency:    defaults.DefaultWriteLatency,
			EnduranceCycles: defaults.DefaultEnduranceCycles,
		},
		Store: StoreConfig{
			AutoCommit:          defaults.DefaultAutoCommit,
			Locked:              defaults.DefaultLocked,
			CompletionQueueSize: defaults.DefaultCompletionQueueSize,
			PollInterval:        defaults.DefaultPollInterval,
		},
		Logging: LoggingConfig{
			Level: defaults.DefaultLogLevel,
			JSON:  defaults.DefaultLogJSON,
		},
	}
}
