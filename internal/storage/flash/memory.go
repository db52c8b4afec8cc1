package flash

import (
	"sync"

	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// MemDevice keeps both pages in memory. A new device is fully erased.
type MemDevice struct {
	*engine

	mu    sync.Mutex
	pages [2][]byte
}

// NewMemory creates an erased in-memory device.
func NewMemory(blockSize int, opts Options) (*MemDevice, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	d := &MemDevice{}
	for i := range d.pages {
		d.pages[i] = erased(blockSize)
	}

	e, err := newEngine(d, blockSize, opts)
	if err != nil {
		return nil, err
	}
	d.engine = e
	return d, nil
}

// Close drains queued Stores. The pages stay readable.
func (d *MemDevice) Close() error {
	d.shutdown()
	return nil
}

func (d *MemDevice) readPage(b Block, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(dst, d.pages[b])
	return nil
}

func (d *MemDevice) writePage(b Block, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.pages[b], src)
	return nil
}

func erased(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = layout.ErasedByte
	}
	return buf
}
