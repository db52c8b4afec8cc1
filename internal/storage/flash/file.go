package flash

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/xtxerr/nvstore/internal/errors"
)

// FileDevice keeps both pages in a single file so the store survives
// process restarts.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version + 4 bytes block size
//   - Primary page: block size bytes
//   - Swap page: block size bytes
//
// Every page write is followed by fsync.
type FileDevice struct {
	*engine

	mu   sync.Mutex
	path string
	file *os.File
}

const (
	fileMagic      = 0x4E56535041474501 // "NVSPAGE" + 0x01
	fileVersion    = 1
	fileHeaderSize = 16 // 8 bytes magic + 4 bytes version + 4 bytes block size
)

// OpenFile opens the device file at path, creating it with erased pages if
// it does not exist. An existing file must have been created with the same
// block size.
func OpenFile(path string, blockSize int, opts Options) (*FileDevice, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrIO, "open %s: %v", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(errors.ErrIO, "stat %s: %v", path, err)
	}

	if info.Size() == 0 {
		err = format(f, blockSize)
	} else {
		err = checkHeader(f, blockSize, info.Size())
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	d := &FileDevice{path: path, file: f}
	e, err := newEngine(d, blockSize, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.engine = e
	return d, nil
}

// Path returns the device file path.
func (d *FileDevice) Path() string {
	return d.path
}

// Close drains queued Stores and closes the file.
func (d *FileDevice) Close() error {
	d.shutdown()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *FileDevice) readPage(b Block, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return errors.ErrClosed
	}
	if _, err := d.file.ReadAt(dst, d.pageOffset(b, len(dst))); err != nil {
		return errors.Wrapf(errors.ErrIO, "read %s page: %v", b, err)
	}
	return nil
}

func (d *FileDevice) writePage(b Block, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return errors.ErrClosed
	}
	if _, err := d.file.WriteAt(src, d.pageOffset(b, len(src))); err != nil {
		return errors.Wrapf(errors.ErrIO, "write %s page: %v", b, err)
	}
	if err := d.file.Sync(); err != nil {
		return errors.Wrapf(errors.ErrIO, "sync %s page: %v", b, err)
	}
	return nil
}

func (d *FileDevice) pageOffset(b Block, blockSize int) int64 {
	return fileHeaderSize + int64(b)*int64(blockSize)
}

// format writes the header and two erased pages.
func format(f *os.File, blockSize int) error {
	if blockSize <= 0 {
		return errors.NewValidation("block_size", fmt.Sprintf("%d", blockSize))
	}
	buf := make([]byte, fileHeaderSize, fileHeaderSize+2*blockSize)
	binary.LittleEndian.PutUint64(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], fileVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(blockSize))
	buf = append(buf, erased(2*blockSize)...)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(errors.ErrIO, "format: %v", err)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(errors.ErrIO, "sync: %v", err)
	}
	return nil
}

func checkHeader(f *os.File, blockSize int, size int64) error {
	header := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		if err == io.EOF {
			return errors.Wrap(errors.ErrInvalidImage, "short header")
		}
		return errors.Wrapf(errors.ErrIO, "read header: %v", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != fileMagic {
		return errors.Wrapf(errors.ErrInvalidImage, "bad magic %#x", magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != fileVersion {
		return errors.Wrapf(errors.ErrInvalidImage, "unsupported version %d", version)
	}
	if got := int(binary.LittleEndian.Uint32(header[12:16])); got != blockSize {
		return errors.Wrapf(errors.ErrInvalidImage, "block size %d, want %d", got, blockSize)
	}
	if want := int64(fileHeaderSize + 2*blockSize); size < want {
		return errors.Wrapf(errors.ErrInvalidImage, "file size %d, want %d", size, want)
	}
	return nil
}
