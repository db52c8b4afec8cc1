// Package store keeps small named values in a single flash page.
//
// A Store holds two mirrors of the page. The flashed mirror is what the
// store believes is on flash; the volatile mirror is the working copy that
// callers read and write. An accepted update lands in the volatile mirror
// and, when auto-commit is on or the caller forces it, in the flashed
// mirror, which is then stamped with a checksum and written back.
//
// Every partial write makes the device snapshot the old page into swap
// first. At boot, a primary page that fails its checksum is replaced by the
// swap page, and when that fails too the store starts from erased defaults.
//
// Usage:
//
//	table := layout.MustBuild(layout.Spec{
//	    Resettable: []layout.FieldSpec{layout.Value("score", 4)},
//	})
//	s, err := store.New(dev, table, store.DefaultOptions())
//	if err := s.Init(); err != nil { ... }
//
//	score := store.NewField[uint32](table, "score", 0)
//	score.Init(s)
//	score.Set(s, 42, false)
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/nvstore/config"
	"github.com/xtxerr/nvstore/internal/errors"
	"github.com/xtxerr/nvstore/internal/logging"
	"github.com/xtxerr/nvstore/internal/radio"
	"github.com/xtxerr/nvstore/internal/storage/checksum"
	"github.com/xtxerr/nvstore/internal/storage/completion"
	"github.com/xtxerr/nvstore/internal/storage/flash"
	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// Options configures a Store.
type Options struct {
	// AutoCommit writes every accepted update to flash immediately.
	// Default: true
	AutoCommit bool

	// Locked starts the store rejecting unforced updates.
	Locked bool

	// CompletionQueueSize is the capacity of the completion handoff.
	// Default: 16
	CompletionQueueSize int

	// Radio is paused around commits. Defaults to radio.Nop.
	Radio radio.Controller

	// Logger overrides the component logger.
	Logger *slog.Logger
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		AutoCommit:          config.DefaultAutoCommit,
		Locked:              config.DefaultLocked,
		CompletionQueueSize: config.DefaultCompletionQueueSize,
	}
}

// Store is a persistent value store over one flash page.
type Store struct {
	// mu serializes callers; commits never overlap.
	mu sync.Mutex

	dev   flash.Device
	table *layout.Table
	radio radio.Controller
	log   *slog.Logger

	volatile []byte
	flashed  []byte

	locked     bool
	autoCommit bool

	initialized bool
	state       atomic.Int32

	// events and failure are written by the device worker.
	events  *completion.Queue
	failure atomic.Pointer[error]

	stats *collector
}

// New creates a store over dev using table. The device page must be
// exactly table.BlockSize() bytes. Both mirrors start erased; call Init to
// load them.
func New(dev flash.Device, table *layout.Table, opts Options) (*Store, error) {
	if dev == nil {
		return nil, errors.NewMissingField("device")
	}
	if table == nil {
		return nil, errors.NewMissingField("layout")
	}
	if dev.BlockSize() != table.BlockSize() {
		return nil, errors.NewLayout("block", fmt.Sprintf("layout needs %d bytes, device page is %d",
			table.BlockSize(), dev.BlockSize()))
	}

	if opts.CompletionQueueSize <= 0 {
		opts.CompletionQueueSize = DefaultOptions().CompletionQueueSize
	}
	if opts.Radio == nil {
		opts.Radio = radio.Nop{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("store")
	}

	s := &Store{
		dev:        dev,
		table:      table,
		radio:      opts.Radio,
		log:        log,
		volatile:   erasedBlock(table.BlockSize()),
		flashed:    erasedBlock(table.BlockSize()),
		locked:     opts.Locked,
		autoCommit: opts.AutoCommit,
		events:     completion.New(opts.CompletionQueueSize),
		stats:      newCollector(),
	}
	s.state.Store(int32(StateInit))

	dev.SetHandler(s.onCompletion)
	return s, nil
}

// Init loads the page and converges on an image: the primary page if its
// checksum holds, otherwise the swap page (written back as the new
// primary), otherwise erased defaults.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Load(s.flashed, 0); err != nil {
		return fmt.Errorf("load primary: %w", err)
	}

	from, at := int(s.table.Min()), int(s.table.Checksum())

	if checksum.Valid(s.flashed, from, at) {
		s.log.Debug("primary image valid", "checksum", checksum.Stored(s.flashed, at))
	} else {
		mismatch := errors.Wrapf(errors.ErrChecksumMismatch, "primary stored %#x, computed %#x",
			checksum.Stored(s.flashed, at), checksum.Sum(s.flashed, from, at))
		if err := s.dev.LoadSwap(s.flashed); err != nil {
			return fmt.Errorf("load swap: %w", err)
		}

		if checksum.Valid(s.flashed, from, at) {
			s.stats.recoveries.Add(1)
			s.log.Warn("recovered from swap", "error", mismatch,
				"swap_checksum", checksum.Stored(s.flashed, at))
			if err := s.storeData(false); err != nil {
				return fmt.Errorf("rewrite primary from swap: %w", err)
			}
		} else {
			fill(s.flashed, 0, len(s.flashed), layout.ErasedByte)
			s.stats.coldStarts.Add(1)
			s.log.Info("no valid image, starting from defaults", "error", mismatch)
		}
	}

	copy(s.volatile, s.flashed)
	s.initialized = true
	return nil
}

// Tasks is the non-blocking poll step. It drains completion events, moves
// INIT to READY once Init has run, and in ERROR returns the first failure
// wrapped in ErrIO.
func (s *Store) Tasks() error {
	s.events.Drain(func(ev completion.Event) {
		if ev.Failed() {
			s.log.Error("flash operation failed", "op", ev.Op, "seq", ev.Seq, "error", ev.Err)
			return
		}
		s.log.Debug("flash operation complete", "op", ev.Op, "seq", ev.Seq, "swapped", ev.Swapped)
	})

	if s.State() == StateError {
		return s.failureErr()
	}

	s.mu.Lock()
	ready := s.initialized
	s.mu.Unlock()
	if ready && s.state.CompareAndSwap(int32(StateInit), int32(StateReady)) {
		s.log.Info("store ready", "block_size", s.table.BlockSize())
	}
	return nil
}

// State returns the current state.
func (s *Store) State() State {
	return State(s.state.Load())
}

// Table returns the layout the store was built with.
func (s *Store) Table() *layout.Table {
	return s.table
}

// Close waits for outstanding page writes and closes the device.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Close()
}

// onCompletion runs on the device worker.
func (s *Store) onCompletion(ev completion.Event) {
	s.events.Push(ev)
	if ev.Failed() {
		s.fail(ev.Err)
	}
}

// fail records the first failure and moves to ERROR.
func (s *Store) fail(err error) {
	s.stats.failures.Add(1)
	s.failure.CompareAndSwap(nil, &err)
	s.state.Store(int32(StateError))
}

func (s *Store) failureErr() error {
	p := s.failure.Load()
	if p == nil {
		return errors.ErrIO
	}
	if errors.Is(*p, errors.ErrIO) {
		return *p
	}
	return fmt.Errorf("%w: %w", errors.ErrIO, *p)
}

func erasedBlock(size int) []byte {
	b := make([]byte, size)
	fill(b, 0, size, layout.ErasedByte)
	return b
}

func fill(b []byte, from, to int, v byte) {
	for i := from; i < to; i++ {
		b[i] = v
	}
}
