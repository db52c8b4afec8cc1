// Package layout describes how named values are packed into a storage block.
//
// A block is a sequence of 4-byte words. Word addresses below Min form the
// permanent region, which a factory reset never clears. Addresses [Min, Max)
// form the non-permanent region. Three reserved words live in it, in
// address order:
//
//	FactoryReset      == Min, first word of the region
//	Checksum          additive sum of words [Min, Checksum)
//	UsedForSwapping   last word; omitted from partial commits
//
// Non-permanent application fields sit between FactoryReset and Checksum so
// the checksum covers them.
package layout

import (
	"fmt"
	"sort"

	"github.com/xtxerr/nvstore/internal/errors"
)

const (
	// WordSize is the addressing unit in bytes.
	WordSize = 4

	// ErasedByte is the value of every byte of an erased flash page.
	ErasedByte = 0xFF

	// ErasedWord is an erased word read as a little-endian uint32.
	ErasedWord = 0xFFFFFFFF
)

// Reserved field names.
const (
	NameFactoryReset    = "factory_reset"
	NameChecksum        = "checksum"
	NameUsedForSwapping = "used_for_swapping"
)

// Address is a word address inside a block.
type Address int

// Offset returns the byte offset of the address.
func (a Address) Offset() int {
	return int(a) * WordSize
}

// Region selects whether a field survives a factory reset.
type Region int

const (
	// RegionPermanent fields are never cleared.
	RegionPermanent Region = iota

	// RegionResettable fields are cleared by a factory reset and are
	// covered by the checksum.
	RegionResettable

	// RegionReserved marks the store's own bookkeeping words.
	RegionReserved
)

// String returns the string representation of the region.
func (r Region) String() string {
	switch r {
	case RegionPermanent:
		return "permanent"
	case RegionResettable:
		return "resettable"
	case RegionReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Words returns the number of words needed to hold size bytes.
func Words(size int) int {
	return (size + WordSize - 1) / WordSize
}

// Rounded returns size rounded up to a whole number of words.
func Rounded(size int) int {
	return Words(size) * WordSize
}

// FieldSpec declares a named value before addresses are assigned.
type FieldSpec struct {
	Name string
	Size int

	addr   Address
	pinned bool
}

// Value declares a field placed at the next free word of its region.
func Value(name string, size int) FieldSpec {
	return FieldSpec{Name: name, Size: size}
}

// At declares a field pinned to a fixed word address.
func At(name string, addr Address, size int) FieldSpec {
	return FieldSpec{Name: name, Size: size, addr: addr, pinned: true}
}

// Spec is the full declaration of a block.
type Spec struct {
	// PermanentWords reserves a fixed permanent region. Zero sizes the
	// region to fit the permanent fields.
	PermanentWords int

	Permanent  []FieldSpec
	Resettable []FieldSpec
}

// Field is a named value with its assigned address.
type Field struct {
	Name   string
	Addr   Address
	Size   int
	Region Region
}

// Words returns how many words the field occupies.
func (f Field) Words() int {
	return Words(f.Size)
}

// End returns the first address past the field.
func (f Field) End() Address {
	return f.Addr + Address(f.Words())
}

// Offset returns the byte offset of the field.
func (f Field) Offset() int {
	return f.Addr.Offset()
}

// String formats the field as name@address.
func (f Field) String() string {
	return fmt.Sprintf("%s@%d(%dB,%s)", f.Name, f.Addr, f.Size, f.Region)
}

// Table is an immutable, validated block layout.
type Table struct {
	fields []Field
	byName map[string]Field

	min             Address
	checksum        Address
	usedForSwapping Address
	max             Address
}

// Build assigns addresses to spec and validates the result.
func Build(spec Spec) (*Table, error) {
	v := errors.NewValidationErrors()

	var fields []Field

	permanent, permEnd := place(spec.Permanent, 0, RegionPermanent, v)
	fields = append(fields, permanent...)

	lo := permEnd
	if spec.PermanentWords > 0 {
		if Address(spec.PermanentWords) < permEnd {
			v.AddLayout("permanent", fmt.Sprintf("fields need %d words, region has %d", permEnd, spec.PermanentWords))
		}
		lo = Address(spec.PermanentWords)
	}

	fields = append(fields, Field{Name: NameFactoryReset, Addr: lo, Size: WordSize, Region: RegionReserved})

	resettable, resEnd := place(spec.Resettable, lo+1, RegionResettable, v)
	fields = append(fields, resettable...)

	checksumAddr := resEnd
	fields = append(fields,
		Field{Name: NameChecksum, Addr: checksumAddr, Size: WordSize, Region: RegionReserved},
		Field{Name: NameUsedForSwapping, Addr: checksumAddr + 1, Size: WordSize, Region: RegionReserved},
	)

	t := &Table{
		fields:          fields,
		byName:          make(map[string]Field, len(fields)),
		min:             lo,
		checksum:        checksumAddr,
		usedForSwapping: checksumAddr + 1,
		max:             checksumAddr + 2,
	}

	t.validate(v)
	if v.HasErrors() {
		return nil, v.Err()
	}

	for _, f := range fields {
		t.byName[f.Name] = f
	}
	return t, nil
}

// MustBuild is Build for static layouts; it panics on an invalid spec.
func MustBuild(spec Spec) *Table {
	t, err := Build(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// place assigns addresses starting at base. Pinned fields keep their
// address; the rest follow the highest address placed so far.
func place(specs []FieldSpec, base Address, region Region, v *errors.ValidationErrors) ([]Field, Address) {
	out := make([]Field, 0, len(specs))
	next := base
	for _, s := range specs {
		if s.Size <= 0 {
			v.AddLayout(s.Name, "size must be positive")
			continue
		}
		addr := next
		if s.pinned {
			addr = s.addr
		}
		f := Field{Name: s.Name, Addr: addr, Size: s.Size, Region: region}
		out = append(out, f)
		if f.End() > next {
			next = f.End()
		}
	}
	return out, next
}

// validate checks names, regions, and that no two fields share a word.
func (t *Table) validate(v *errors.ValidationErrors) {
	seen := make(map[string]bool, len(t.fields))
	for _, f := range t.fields {
		if f.Name == "" {
			v.AddLayout(f.String(), "name is required")
		} else if seen[f.Name] {
			v.AddLayout(f.Name, "duplicate name")
		}
		seen[f.Name] = true

		if f.Addr < 0 || f.End() > t.max {
			v.AddLayout(f.Name, fmt.Sprintf("words [%d, %d) outside block [0, %d)", f.Addr, f.End(), t.max))
		}

		switch f.Region {
		case RegionPermanent:
			if f.End() > t.min {
				v.AddLayout(f.Name, "permanent field crosses into non-permanent region")
			}
		case RegionResettable:
			if f.Addr <= t.min || f.End() > t.checksum {
				v.AddLayout(f.Name, "resettable field outside checksummed range")
			}
		}
	}

	sorted := make([]Field, len(t.fields))
	copy(sorted, t.fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Addr < prev.End() {
			v.AddLayout(cur.Name, fmt.Sprintf("overlaps %s", prev.Name))
		}
	}
}

// Field looks up a field by name.
func (t *Table) Field(name string) (Field, bool) {
	f, ok := t.byName[name]
	return f, ok
}

// MustField looks up a field by name and panics if it does not exist.
func (t *Table) MustField(name string) Field {
	f, ok := t.byName[name]
	if !ok {
		panic(fmt.Sprintf("layout: unknown field %q", name))
	}
	return f
}

// Fields returns all fields, reserved words included, in declaration order.
func (t *Table) Fields() []Field {
	out := make([]Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// Min is the first non-permanent address.
func (t *Table) Min() Address { return t.min }

// FactoryReset is the address of the factory reset marker.
func (t *Table) FactoryReset() Address { return t.min }

// Checksum is the address of the checksum word.
func (t *Table) Checksum() Address { return t.checksum }

// UsedForSwapping is the address of the swap sentinel word.
func (t *Table) UsedForSwapping() Address { return t.usedForSwapping }

// Max is one past the last address.
func (t *Table) Max() Address { return t.max }

// PermanentSize is the permanent region size in bytes.
func (t *Table) PermanentSize() int { return t.min.Offset() }

// NonPermanentSize is the non-permanent region size in bytes.
func (t *Table) NonPermanentSize() int { return (t.max - t.min).Offset() }

// BlockSize is the full block size in bytes.
func (t *Table) BlockSize() int { return t.max.Offset() }

// CheckRange returns ErrOutOfRange if size bytes at addr, rounded up to
// whole words, do not fit in the block.
func (t *Table) CheckRange(addr Address, size int) error {
	if addr < 0 || size < 0 || addr.Offset()+Rounded(size) > t.BlockSize() {
		return errors.NewOutOfRange(addr.Offset(), Rounded(size), t.BlockSize())
	}
	return nil
}
