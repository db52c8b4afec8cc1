package store

import (
	"bytes"

	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// InitValue binds local to the field at addr. If the stored field holds
// any non-erased word, local receives the stored bytes. Otherwise local is
// a default and is copied into the volatile mirror without a commit.
//
// InitValue panics if the field does not fit in the block.
func (s *Store) InitValue(addr layout.Address, local []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustFit(addr, len(local))

	off := addr.Offset()
	stored := s.volatile[off : off+layout.Rounded(len(local))]
	if isErased(stored) {
		copy(s.volatile[off:], local)
		return
	}
	copy(local, stored)
}

// UpdateValue stores local into the field at addr. It returns false only
// when the store is locked and force is not set; local is then rolled back
// to the volatile value. With auto-commit on, or force set, the value is
// written to flash before UpdateValue returns. A failed write moves the
// store to ERROR; the update itself is still reported as accepted.
//
// UpdateValue panics if the field does not fit in the block.
func (s *Store) UpdateValue(addr layout.Address, local []byte, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustFit(addr, len(local))

	off := addr.Offset()
	current := s.volatile[off : off+len(local)]

	if s.locked && !force {
		copy(local, current)
		s.stats.lockRejections.Add(1)
		s.log.Debug("update rejected, store locked", "addr", addr)
		return false
	}

	if bytes.Equal(current, local) {
		s.stats.skippedWrites.Add(1)
		return true
	}

	copy(current, local)

	if s.autoCommit || force {
		copy(s.flashed[off:], local)
		s.commitQuiesced()
	}
	return true
}

// ClearAll erases the non-permanent region of both mirrors and commits.
// Permanent fields are untouched.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := s.table.Min().Offset(), s.table.Max().Offset()
	fill(s.volatile, from, to, layout.ErasedByte)
	fill(s.flashed, from, to, layout.ErasedByte)

	s.log.Info("clearing non-permanent values", "bytes", to-from)
	if err := s.storeData(true); err != nil {
		s.log.Error("commit after clear failed", "error", err)
	}
}

// RawAddressOf returns the word at addr as it was last committed.
// The slice is a copy.
func (s *Store) RawAddressOf(addr layout.Address) []byte {
	return s.Peek(addr, layout.WordSize)
}

// Peek returns n committed bytes starting at addr. The slice is a copy.
//
// Peek panics if the range does not fit in the block.
func (s *Store) Peek(addr layout.Address, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustFit(addr, n)
	off := addr.Offset()
	out := make([]byte, n)
	copy(out, s.flashed[off:off+n])
	return out
}

// Lock makes the store reject unforced updates.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
}

// Unlock accepts unforced updates again.
func (s *Store) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
}

// Locked reports whether unforced updates are rejected.
func (s *Store) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// SetAutoCommit turns immediate commits on or off. Updates accepted while
// it is off stay in the volatile mirror until the field is updated with
// force.
func (s *Store) SetAutoCommit(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCommit = on
}

// AutoCommit reports whether updates are committed immediately.
func (s *Store) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

// mustFit panics when size bytes at addr, rounded to words, exceed the
// block. A misplaced field is a build mistake, not a runtime condition.
func (s *Store) mustFit(addr layout.Address, size int) {
	if err := s.table.CheckRange(addr, size); err != nil {
		panic(err)
	}
}

func isErased(b []byte) bool {
	for _, v := range b {
		if v != layout.ErasedByte {
			return false
		}
	}
	return true
}
