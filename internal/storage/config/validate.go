package config

import (
	"errors"
	"fmt"

	"github.com/xtxerr/nvstore/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// Device
	if err := c.Device.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}

	// Store
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	// Logging
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the device configuration.
func (c *DeviceConfig) Validate() error {
	var errs []error

	switch c.Kind {
	case KindMemory:
	case KindFile:
		if c.Path == "" {
			errs = append(errs, errors.New("path is required for the file device"))
		}
	default:
		errs = append(errs, fmt.Errorf("kind must be one of: %s, %s", KindMemory, KindFile))
	}

	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}

	if c.WriteLatency < 0 {
		errs = append(errs, errors.New("write_latency must be non-negative"))
	}

	if c.FailAfter < 0 {
		errs = append(errs, errors.New("fail_after must be non-negative"))
	}

	if c.EnduranceCycles <= 0 {
		errs = append(errs, errors.New("endurance_cycles must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.CompletionQueueSize <= 0 {
		errs = append(errs, errors.New("completion_queue_size must be positive"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return err
	}
	return nil
}
