// Package radio models the wireless link the store must quiesce while a
// flash page is being erased and programmed.
package radio

import (
	"log/slog"
	"sync"

	"github.com/xtxerr/nvstore/internal/logging"
)

// Controller is the part of the radio stack the store touches.
type Controller interface {
	// Connecting reports whether an outbound connection attempt is active.
	Connecting() bool

	// CancelConnect aborts the outbound connection attempt.
	CancelConnect()

	// Discovering reports whether peer discovery is running.
	Discovering() bool

	// CancelDiscovery pauses peer discovery.
	CancelDiscovery()

	// ResumeDiscovery restarts peer discovery.
	ResumeDiscovery()
}

// Nop is a Controller for devices without a radio.
type Nop struct{}

// Connecting always reports false.
func (Nop) Connecting() bool { return false }

// CancelConnect does nothing.
func (Nop) CancelConnect() {}

// Discovering always reports false.
func (Nop) Discovering() bool { return false }

// CancelDiscovery does nothing.
func (Nop) CancelDiscovery() {}

// ResumeDiscovery does nothing.
func (Nop) ResumeDiscovery() {}

// SimStats counts radio transitions.
type SimStats struct {
	ConnectsCancelled int
	DiscoveryPauses   int
	DiscoveryResumes  int
}

// Sim is an in-process radio that tracks its state and logs transitions.
type Sim struct {
	mu          sync.Mutex
	connecting  bool
	discovering bool
	stats       SimStats
	log         *slog.Logger
}

// NewSim creates an idle simulated radio.
func NewSim() *Sim {
	return &Sim{log: logging.Component("radio")}
}

// Connect starts an outbound connection attempt.
func (r *Sim) Connect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connecting = true
	r.log.Debug("connecting")
}

// StartDiscovery starts peer discovery.
func (r *Sim) StartDiscovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovering = true
	r.log.Debug("discovery started")
}

// Connecting reports whether Connect was called and not yet cancelled.
func (r *Sim) Connecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connecting
}

// CancelConnect drops an active connection attempt. Only an active attempt
// is counted in ConnectsCancelled.
func (r *Sim) CancelConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connecting {
		return
	}
	r.connecting = false
	r.stats.ConnectsCancelled++
	r.log.Info("connection attempt cancelled")
}

// Discovering reports whether discovery is running.
func (r *Sim) Discovering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovering
}

// CancelDiscovery pauses running discovery and counts the pause.
func (r *Sim) CancelDiscovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.discovering {
		return
	}
	r.discovering = false
	r.stats.DiscoveryPauses++
	r.log.Debug("discovery paused")
}

// ResumeDiscovery restarts discovery and counts the resume.
func (r *Sim) ResumeDiscovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovering = true
	r.stats.DiscoveryResumes++
	r.log.Debug("discovery resumed")
}

// Stats returns transition counts.
func (r *Sim) Stats() SimStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
