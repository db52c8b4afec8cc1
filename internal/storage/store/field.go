package store

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// Field binds a fixed-size value to a named field of a layout. Value plays
// the part of the caller's local variable: Init and a rejected Update
// overwrite it with the stored value.
//
// T must have a fixed binary size: a number, a bool, or an array or struct
// of those. Values are stored little-endian.
type Field[T any] struct {
	Value T

	name string
	addr layout.Address
}

// NewField binds name in table to a value whose default is def. It panics
// if the field does not exist or T does not fit in it.
func NewField[T any](table *layout.Table, name string, def T) *Field[T] {
	f := table.MustField(name)

	size := binary.Size(def)
	if size < 0 {
		panic(fmt.Sprintf("store: field %q: %T has no fixed size", name, def))
	}
	if size > f.Size {
		panic(fmt.Sprintf("store: field %q: %T needs %d bytes, field has %d", name, def, size, f.Size))
	}
	return &Field[T]{Value: def, name: name, addr: f.Addr}
}

// Name returns the field name.
func (f *Field[T]) Name() string { return f.name }

// Addr returns the field address.
func (f *Field[T]) Addr() layout.Address { return f.addr }

// Get returns the local value.
func (f *Field[T]) Get() T { return f.Value }

// Init loads the stored value into Value, or records Value as the default
// when nothing is stored.
func (f *Field[T]) Init(s *Store) {
	buf := f.encode()
	s.InitValue(f.addr, buf)
	f.decode(buf)
}

// Update writes Value to the store. See Store.UpdateValue.
func (f *Field[T]) Update(s *Store, force bool) bool {
	buf := f.encode()
	ok := s.UpdateValue(f.addr, buf, force)
	f.decode(buf)
	return ok
}

// Set assigns v to Value and writes it to the store.
func (f *Field[T]) Set(s *Store, v T, force bool) bool {
	f.Value = v
	return f.Update(s, force)
}

func (f *Field[T]) encode() []byte {
	buf, err := binary.Append(nil, binary.LittleEndian, f.Value)
	if err != nil {
		panic(fmt.Sprintf("store: field %q: %v", f.name, err))
	}
	return buf
}

func (f *Field[T]) decode(buf []byte) {
	if _, err := binary.Decode(buf, binary.LittleEndian, &f.Value); err != nil {
		panic(fmt.Sprintf("store: field %q: %v", f.name, err))
	}
}
