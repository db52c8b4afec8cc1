package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/nvstore/internal/storage/layout"
)

// deviceLayout is the value table of the simulated device.
var deviceLayout = layout.MustBuild(layout.Spec{
	PermanentWords: 4,
	Permanent: []layout.FieldSpec{
		layout.Value("device_id", 4),
		layout.Value("hw_revision", 4),
	},
	Resettable: []layout.FieldSpec{
		layout.Value("boot_count", 4),
		layout.Value("score", 4),
		layout.Value("sleep_timer", 2),
		layout.Value("idle_timer", 2),
		layout.Value("calibration", 8),
		layout.Value("error_message", 32),
	},
})

// assignments collects repeated -set name=value flags.
type assignments []string

func (a *assignments) String() string { return strings.Join(*a, ",") }

func (a *assignments) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	*a = append(*a, v)
	return nil
}

// encodeAssignment resolves name=value against table. Fields of up to 8
// bytes take an unsigned integer; wider fields take text, zero padded.
func encodeAssignment(table *layout.Table, s string) (layout.Field, []byte, error) {
	name, value, _ := strings.Cut(s, "=")
	f, ok := table.Field(name)
	if !ok || f.Region == layout.RegionReserved {
		return layout.Field{}, nil, fmt.Errorf("unknown field %q", name)
	}

	buf := make([]byte, f.Size)
	if f.Size > 8 {
		if len(value) > f.Size {
			return layout.Field{}, nil, fmt.Errorf("%s: %d bytes do not fit in %d", name, len(value), f.Size)
		}
		copy(buf, value)
		return f, buf, nil
	}

	n, err := strconv.ParseUint(value, 0, f.Size*8)
	if err != nil {
		return layout.Field{}, nil, fmt.Errorf("%s: %w", name, err)
	}
	var wide [8]byte
	binary.LittleEndian.PutUint64(wide[:], n)
	copy(buf, wide[:f.Size])
	return f, buf, nil
}

// formatValue renders committed bytes of a field for -dump.
func formatValue(f layout.Field, b []byte) string {
	erased := true
	for _, v := range b {
		if v != layout.ErasedByte {
			erased = false
			break
		}
	}
	if erased {
		return "(erased)"
	}

	switch {
	case f.Size > 8:
		return strconv.Quote(strings.TrimRight(string(b), "\x00"))
	default:
		var wide [8]byte
		copy(wide[:], b)
		return strconv.FormatUint(binary.LittleEndian.Uint64(wide[:]), 10)
	}
}
