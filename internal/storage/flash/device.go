// Package flash provides the raw page I/O service the value store runs on.
//
// A device holds two pages of BlockSize bytes: the primary page and the swap
// page. Store queues an erase+program of the primary page and reports the
// result asynchronously through the completion handler, from the device's
// own worker goroutine. A Store that does not cover the whole page first
// snapshots the current primary page into swap; a full-page Store does not.
//
// Two simulators are provided: MemDevice keeps pages in memory and
// FileDevice keeps them in a single file.
package flash

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/nvstore/config"
	"github.com/xtxerr/nvstore/internal/errors"
	"github.com/xtxerr/nvstore/internal/logging"
	"github.com/xtxerr/nvstore/internal/storage/completion"
)

// Block selects one of the two physical pages.
type Block int

const (
	// Primary is the page the store reads at boot.
	Primary Block = iota

	// Swap holds the snapshot taken before the last partial update.
	Swap
)

// String returns the string representation of the block.
func (b Block) String() string {
	switch b {
	case Primary:
		return "primary"
	case Swap:
		return "swap"
	default:
		return "unknown"
	}
}

// Device is the raw page I/O service consumed by the store.
type Device interface {
	// BlockSize returns the page size in bytes.
	BlockSize() int

	// Load copies the primary page, starting at offset, into dst.
	Load(dst []byte, offset int) error

	// LoadSwap copies the swap page into dst.
	LoadSwap(dst []byte) error

	// Store queues a write of src[:size] at offset of the primary page.
	// The result is delivered to the handler. Returns ErrQueueFull when
	// QueueSize requests are already outstanding.
	Store(src []byte, size, offset int) error

	// Program writes src at offset of the primary page immediately,
	// without erasing and without a swap snapshot. Bits can only be
	// cleared, so the target bytes should be erased.
	Program(src []byte, offset int) error

	// OutstandingOps returns the number of queued Stores not yet completed.
	OutstandingOps() int

	// Idle returns a channel that is closed once no Store is outstanding.
	Idle() <-chan struct{}

	// SetHandler installs the completion callback. It is called from the
	// device worker goroutine.
	SetHandler(fn func(completion.Event))

	// Close waits for queued Stores and releases the device.
	Close() error
}

// Options configures a device.
type Options struct {
	// QueueSize bounds outstanding Stores.
	// Default: 10
	QueueSize int

	// WriteLatency is added to every Store to model erase+program time.
	WriteLatency time.Duration

	// FailAfter makes every Store after the first FailAfter ones fail
	// with ErrIO. Zero disables failure injection.
	FailAfter int

	// Logger overrides the component logger.
	Logger *slog.Logger
}

// DefaultOptions returns default device options.
func DefaultOptions() Options {
	return Options{
		QueueSize:    config.DefaultQueueSize,
		WriteLatency: config.DefaultWriteLatency,
	}
}

// Stats holds device statistics.
type Stats struct {
	Stores   int64
	Swaps    int64
	Programs int64
	Failures int64
	Rejected int64
	BytesOut int64
}

// pager reads and writes whole pages synchronously.
type pager interface {
	readPage(b Block, dst []byte) error
	writePage(b Block, src []byte) error
}

type request struct {
	seq    uint64
	data   []byte
	size   int
	offset int
}

// engine implements the queueing and completion side of Device on top of
// a pager. MemDevice and FileDevice embed it.
type engine struct {
	pages     pager
	blockSize int
	opts      Options
	log       *slog.Logger

	sem  *semaphore.Weighted
	reqs chan request
	done chan struct{}

	// sendMu orders Store sends against Close.
	sendMu sync.RWMutex
	closed bool

	// pageMu serializes page access between the worker and sync calls.
	pageMu sync.Mutex

	idleMu  sync.Mutex
	pending int
	idle    chan struct{}

	handlerMu sync.RWMutex
	handler   func(completion.Event)

	seq    atomic.Uint64
	stores atomic.Int64

	statsMu sync.Mutex
	stats   Stats
}

// checkBlockSize rejects sizes that are not whole flash words.
func checkBlockSize(blockSize int) error {
	if blockSize <= 0 || blockSize%4 != 0 {
		return errors.NewValidation("block_size", fmt.Sprintf("%d is not a positive multiple of 4", blockSize))
	}
	return nil
}

func newEngine(pages pager, blockSize int, opts Options) (*engine, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("flash")
	}

	idle := make(chan struct{})
	close(idle)

	e := &engine{
		pages:     pages,
		blockSize: blockSize,
		opts:      opts,
		log:       log,
		sem:       semaphore.NewWeighted(int64(opts.QueueSize)),
		reqs:      make(chan request, opts.QueueSize),
		done:      make(chan struct{}),
		idle:      idle,
	}
	go e.worker()
	return e, nil
}

// BlockSize returns the page size in bytes.
func (e *engine) BlockSize() int {
	return e.blockSize
}

// SetHandler installs the completion callback.
func (e *engine) SetHandler(fn func(completion.Event)) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = fn
}

// Load copies the primary page, starting at offset, into dst.
func (e *engine) Load(dst []byte, offset int) error {
	if offset < 0 || offset+len(dst) > e.blockSize {
		return errors.NewOutOfRange(offset, len(dst), e.blockSize)
	}
	page := make([]byte, e.blockSize)
	if err := e.ReadPage(Primary, page); err != nil {
		return err
	}
	copy(dst, page[offset:])
	return nil
}

// LoadSwap copies the swap page into dst.
func (e *engine) LoadSwap(dst []byte) error {
	if len(dst) > e.blockSize {
		return errors.NewOutOfRange(0, len(dst), e.blockSize)
	}
	page := make([]byte, e.blockSize)
	if err := e.ReadPage(Swap, page); err != nil {
		return err
	}
	copy(dst, page)
	return nil
}

// ReadPage copies a whole page into dst.
func (e *engine) ReadPage(b Block, dst []byte) error {
	if len(dst) != e.blockSize {
		return errors.NewOutOfRange(0, len(dst), e.blockSize)
	}
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	return e.pages.readPage(b, dst)
}

// WritePage replaces a whole page. It bypasses the request queue and is
// meant for image restore and test setup on an idle device.
func (e *engine) WritePage(b Block, src []byte) error {
	if len(src) != e.blockSize {
		return errors.NewOutOfRange(0, len(src), e.blockSize)
	}
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	return e.pages.writePage(b, src)
}

// Store queues a write of src[:size] at offset of the primary page.
func (e *engine) Store(src []byte, size, offset int) error {
	if size <= 0 || size > len(src) || offset < 0 || offset+size > e.blockSize {
		return errors.NewOutOfRange(offset, size, e.blockSize)
	}

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	if e.closed {
		return errors.ErrClosed
	}
	if !e.sem.TryAcquire(1) {
		e.statsMu.Lock()
		e.stats.Rejected++
		e.statsMu.Unlock()
		return errors.Wrapf(errors.ErrQueueFull, "%d outstanding", e.opts.QueueSize)
	}

	req := request{
		seq:    e.seq.Add(1),
		data:   append([]byte(nil), src[:size]...),
		size:   size,
		offset: offset,
	}

	e.idleMu.Lock()
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending++
	e.idleMu.Unlock()

	e.reqs <- req
	return nil
}

// Program writes src at offset of the primary page immediately. Every
// resulting byte is old&new, as on NOR flash.
func (e *engine) Program(src []byte, offset int) error {
	if offset < 0 || offset+len(src) > e.blockSize {
		return errors.NewOutOfRange(offset, len(src), e.blockSize)
	}

	start := time.Now()
	err := e.program(src, offset)

	e.statsMu.Lock()
	e.stats.Programs++
	if err != nil {
		e.stats.Failures++
	}
	e.statsMu.Unlock()

	e.deliver(completion.Event{
		Seq:      e.seq.Add(1),
		Op:       completion.OpProgram,
		Size:     len(src),
		Duration: time.Since(start),
		Err:      err,
	})
	return err
}

func (e *engine) program(src []byte, offset int) error {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()

	page := make([]byte, e.blockSize)
	if err := e.pages.readPage(Primary, page); err != nil {
		return err
	}
	for i, b := range src {
		page[offset+i] &= b
	}
	return e.pages.writePage(Primary, page)
}

// OutstandingOps returns the number of queued Stores not yet completed.
func (e *engine) OutstandingOps() int {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	return e.pending
}

// Idle returns a channel that is closed once no Store is outstanding.
func (e *engine) Idle() <-chan struct{} {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	return e.idle
}

// Stats returns device statistics.
func (e *engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// worker performs queued Stores in order. It plays the role of the flash
// interrupt: the handler runs here, not on the caller's goroutine.
func (e *engine) worker() {
	defer close(e.done)

	for req := range e.reqs {
		start := time.Now()
		swapped, err := e.apply(req)
		if e.opts.WriteLatency > 0 {
			time.Sleep(e.opts.WriteLatency)
		}

		e.statsMu.Lock()
		e.stats.Stores++
		if swapped {
			e.stats.Swaps++
		}
		if err != nil {
			e.stats.Failures++
		} else {
			e.stats.BytesOut += int64(req.size)
		}
		e.statsMu.Unlock()

		e.deliver(completion.Event{
			Seq:      req.seq,
			Op:       completion.OpStore,
			Size:     req.size,
			Swapped:  swapped,
			Duration: time.Since(start),
			Err:      err,
		})

		// The handler has run before the request stops counting as
		// outstanding, so a waiter woken by Idle sees its effects.
		e.sem.Release(1)
		e.idleMu.Lock()
		e.pending--
		if e.pending == 0 {
			close(e.idle)
		}
		e.idleMu.Unlock()
	}
}

// apply erases and programs the primary page for one request.
func (e *engine) apply(req request) (bool, error) {
	if n := e.stores.Add(1); e.opts.FailAfter > 0 && n > int64(e.opts.FailAfter) {
		return false, errors.Wrapf(errors.ErrIO, "injected failure on store %d", n)
	}

	e.pageMu.Lock()
	defer e.pageMu.Unlock()

	page := make([]byte, e.blockSize)
	if err := e.pages.readPage(Primary, page); err != nil {
		return false, err
	}

	swapped := req.offset != 0 || req.size != e.blockSize
	if swapped {
		if err := e.pages.writePage(Swap, page); err != nil {
			return false, errors.Wrap(err, "snapshot to swap")
		}
	}

	copy(page[req.offset:], req.data)
	if err := e.pages.writePage(Primary, page); err != nil {
		return swapped, err
	}
	return swapped, nil
}

func (e *engine) deliver(ev completion.Event) {
	if ev.Err != nil {
		e.log.Error("page operation failed", "op", ev.Op, "seq", ev.Seq, "error", ev.Err)
	} else {
		e.log.Debug("page operation done", "op", ev.Op, "seq", ev.Seq, "size", ev.Size,
			"swapped", ev.Swapped, "duration", ev.Duration)
	}

	e.handlerMu.RLock()
	fn := e.handler
	e.handlerMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// shutdown stops accepting Stores and waits for the queue to drain.
func (e *engine) shutdown() {
	e.sendMu.Lock()
	if e.closed {
		e.sendMu.Unlock()
		return
	}
	e.closed = true
	close(e.reqs)
	e.sendMu.Unlock()

	<-e.done
}
