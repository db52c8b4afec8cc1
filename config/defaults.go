// Package config provides configuration defaults for the nvstore device.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Device Defaults
// =============================================================================

const (
	// DefaultDeviceKind selects the page simulator backing the store.
	// Override via config: device.kind
	DefaultDeviceKind = "file"

	// DefaultDevicePath is where the file simulator keeps its pages.
	// Override via config: device.path
	DefaultDevicePath = "nvstore.pages"

	// DefaultQueueSize is the number of page operations that may be queued
	// at the device at once. Matches the flash SDK command queue.
	// Override via config: device.queue_size
	DefaultQueueSize = 10

	// DefaultWriteLatency is the simulated time a page erase+program takes.
	// Override via config: device.write_latency
	DefaultWriteLatency = 0 * time.Millisecond

	// DefaultEnduranceCycles is the rated erase count of one flash page.
	// Override via config: device.endurance_cycles
	DefaultEnduranceCycles = 10000
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultAutoCommit commits every accepted update to flash immediately.
	// Override via config: store.auto_commit
	DefaultAutoCommit = true

	// DefaultCompletionQueueSize is the capacity of the completion handoff
	// between the device worker and the poll loop.
	// Override via config: store.completion_queue_size
	DefaultCompletionQueueSize = 16

	// DefaultPollInterval is how often the simulator calls Tasks.
	// Override via config: store.poll_interval
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultLocked starts the store rejecting unforced updates.
	// Override via config: store.locked
	DefaultLocked = false
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the minimum level written.
	// Override via config: logging.level
	DefaultLogLevel = "info"

	// DefaultLogJSON selects text output.
	// Override via config: logging.json
	DefaultLogJSON = false
)
