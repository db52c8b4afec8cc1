// Package image moves the raw contents of a device between machines.
//
// An image is a zstd frame holding:
//   - Header: 8 bytes magic + 4 bytes version + 4 bytes block size + 4 bytes crc32
//   - Primary page
//   - Swap page
//
// The crc32 covers both pages. Import refuses images whose block size or
// crc does not match.
package image

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/nvstore/internal/errors"
	"github.com/xtxerr/nvstore/internal/storage/flash"
)

const (
	imageMagic   = 0x4E5653494D470001 // "NVSIMG" + version 1
	imageVersion = 1
	headerSize   = 20

	// maxImageSize bounds the decompressed size accepted by Import.
	maxImageSize = 1 << 24
)

// Pages is whole-page access to a device. flash.MemDevice and
// flash.FileDevice implement it.
type Pages interface {
	BlockSize() int
	ReadPage(b flash.Block, dst []byte) error
	WritePage(b flash.Block, src []byte) error
}

// Export writes the primary and swap pages of p to w.
func Export(w io.Writer, p Pages) error {
	bs := p.BlockSize()
	raw := make([]byte, headerSize+2*bs)

	primary := raw[headerSize : headerSize+bs]
	swap := raw[headerSize+bs:]
	if err := p.ReadPage(flash.Primary, primary); err != nil {
		return fmt.Errorf("read primary: %w", err)
	}
	if err := p.ReadPage(flash.Swap, swap); err != nil {
		return fmt.Errorf("read swap: %w", err)
	}

	binary.LittleEndian.PutUint64(raw[0:8], imageMagic)
	binary.LittleEndian.PutUint32(raw[8:12], imageVersion)
	binary.LittleEndian.PutUint32(raw[12:16], uint32(bs))
	binary.LittleEndian.PutUint32(raw[16:20], crc32.ChecksumIEEE(raw[headerSize:]))

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	defer encoder.Close()

	if _, err := w.Write(encoder.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// Import replaces both pages of p with the image read from r. The device
// must be idle.
func Import(r io.Reader, p Pages) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxImageSize))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidImage, "decompress: %v", err)
	}

	if len(raw) < headerSize {
		return errors.Wrap(errors.ErrInvalidImage, "short header")
	}
	if magic := binary.LittleEndian.Uint64(raw[0:8]); magic != imageMagic {
		return errors.Wrapf(errors.ErrInvalidImage, "bad magic %#x", magic)
	}
	if version := binary.LittleEndian.Uint32(raw[8:12]); version != imageVersion {
		return errors.Wrapf(errors.ErrInvalidImage, "unsupported version %d", version)
	}

	bs := p.BlockSize()
	if got := int(binary.LittleEndian.Uint32(raw[12:16])); got != bs {
		return errors.Wrapf(errors.ErrInvalidImage, "block size %d, device has %d", got, bs)
	}
	if len(raw) != headerSize+2*bs {
		return errors.Wrapf(errors.ErrInvalidImage, "image size %d, want %d", len(raw), headerSize+2*bs)
	}

	want := binary.LittleEndian.Uint32(raw[16:20])
	if got := crc32.ChecksumIEEE(raw[headerSize:]); got != want {
		return errors.Wrapf(errors.ErrInvalidImage, "crc %#x, want %#x", got, want)
	}

	if err := p.WritePage(flash.Swap, raw[headerSize+bs:]); err != nil {
		return fmt.Errorf("write swap: %w", err)
	}
	if err := p.WritePage(flash.Primary, raw[headerSize:headerSize+bs]); err != nil {
		return fmt.Errorf("write primary: %w", err)
	}
	return nil
}
