// Package checksum implements the additive word checksum that guards the
// non-permanent region of a storage block.
package checksum

import "encoding/binary"

// WordSize is the checksum granularity in bytes.
const WordSize = 4

// Sum adds the little-endian 32-bit words at word addresses [from, to) of
// block, wrapping on overflow.
func Sum(block []byte, from, to int) uint32 {
	var sum uint32
	for i := from; i < to; i++ {
		sum += binary.LittleEndian.Uint32(block[i*WordSize:])
	}
	return sum
}

// Stored returns the checksum word held at word address at.
func Stored(block []byte, at int) uint32 {
	return binary.LittleEndian.Uint32(block[at*WordSize:])
}

// Stamp writes Sum(block, from, at) into word address at.
func Stamp(block []byte, from, at int) uint32 {
	sum := Sum(block, from, at)
	binary.LittleEndian.PutUint32(block[at*WordSize:], sum)
	return sum
}

// Valid reports whether the word at address at matches Sum(block, from, at).
func Valid(block []byte, from, at int) bool {
	return Stored(block, at) == Sum(block, from, at)
}
