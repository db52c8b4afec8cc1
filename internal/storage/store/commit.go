package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/nvstore/internal/storage/checksum"
	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// commitQuiesced commits the flashed mirror with the radio paused. An
// outbound connection attempt is cancelled and not restarted; discovery is
// resumed if it was running.
func (s *Store) commitQuiesced() {
	if s.radio.Connecting() {
		s.radio.CancelConnect()
	}
	discovering := s.radio.Discovering()
	if discovering {
		s.radio.CancelDiscovery()
	}

	if err := s.storeData(true); err != nil {
		s.log.Error("commit failed", "error", err)
	}

	if discovering {
		s.radio.ResumeDiscovery()
	}
}

// storeData stamps the checksum into the flashed mirror, queues it and
// waits for the write to finish. With copyToSwap the last word is left out
// so the device snapshots the old page into swap first.
//
// Callers hold s.mu.
func (s *Store) storeData(copyToSwap bool) error {
	sum := checksum.Stamp(s.flashed, int(s.table.Min()), int(s.table.Checksum()))

	size := s.table.BlockSize()
	if copyToSwap {
		size -= layout.WordSize
	}

	start := time.Now()
	if err := s.dev.Store(s.flashed, size, 0); err != nil {
		s.fail(err)
		return fmt.Errorf("queue page write: %w", err)
	}
	s.awaitCompletion()

	elapsed := time.Since(start)
	s.stats.observeCommit(elapsed)
	s.log.Debug("committed", "size", size, "swap", copyToSwap, "checksum", sum, "duration", elapsed)
	return nil
}

// awaitCompletion blocks until the device has no outstanding writes. The
// device closes its idle channel only after the completion handler has
// run, so a failure is recorded by the time this returns.
func (s *Store) awaitCompletion() {
	<-s.dev.Idle()
}

// IsReady reports whether the device has no outstanding writes.
func (s *Store) IsReady() bool {
	return s.dev.OutstandingOps() == 0
}

// AwaitIdle blocks until IsReady is true or ctx is done. Callers use it
// before operations that must not race a page write, such as reflashing.
func (s *Store) AwaitIdle(ctx context.Context) error {
	select {
	case <-s.dev.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmergencyWrite programs data into the primary page at addr directly,
// without touching either mirror and without updating the checksum. It is
// meant for fault handlers that must persist a record without the normal
// erase cycle. The target words should be erased.
//
// The primary checksum no longer matches afterwards, so the next Init falls
// back to the swap page, which does not contain the record.
func (s *Store) EmergencyWrite(addr layout.Address, data []byte) error {
	if err := s.table.CheckRange(addr, len(data)); err != nil {
		return err
	}
	s.stats.emergencyWrites.Add(1)
	if err := s.dev.Program(data, addr.Offset()); err != nil {
		return fmt.Errorf("emergency write at %d: %w", addr, err)
	}
	s.log.Warn("emergency write, primary checksum invalidated", "addr", addr, "size", len(data))
	return nil
}
