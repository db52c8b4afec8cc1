package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		err        error
		io         bool
		config     bool
		corruption bool
	}{
		{ErrIO, true, false, false},
		{ErrQueueFull, true, false, false},
		{ErrClosed, true, false, false},
		{ErrLayout, false, true, false},
		{ErrOutOfRange, false, true, false},
		{ErrInvalidConfig, false, true, false},
		{ErrMissingField, false, true, false},
		{ErrChecksumMismatch, false, false, true},
		{ErrInvalidImage, false, false, true},
	}

	for _, tt := range tests {
		wrapped := fmt.Errorf("context: %w", tt.err)
		if IsIOError(wrapped) != tt.io {
			t.Errorf("%v: IsIOError = %v", tt.err, !tt.io)
		}
		if IsConfigError(wrapped) != tt.config {
			t.Errorf("%v: IsConfigError = %v", tt.err, !tt.config)
		}
		if IsCorruption(wrapped) != tt.corruption {
			t.Errorf("%v: IsCorruption = %v", tt.err, !tt.corruption)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}

	err := Wrapf(ErrIO, "store %d", 3)
	if !Is(err, ErrIO) {
		t.Error("wrapped error should match ErrIO")
	}
	if err.Error() != "store 3: flash i/o failure" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestConstructors(t *testing.T) {
	if err := NewOutOfRange(36, 8, 40); !Is(err, ErrOutOfRange) || !strings.Contains(err.Error(), "36") {
		t.Errorf("unexpected out of range error %v", err)
	}
	if err := NewLayout("score", "overlaps name"); !Is(err, ErrLayout) || !strings.Contains(err.Error(), `"score"`) {
		t.Errorf("unexpected layout error %v", err)
	}
	if err := NewValidation("queue_size", "must be positive"); !Is(err, ErrInvalidConfig) {
		t.Errorf("unexpected validation error %v", err)
	}
	if err := NewMissingField("device"); !Is(err, ErrMissingField) {
		t.Errorf("unexpected missing field error %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.HasErrors() || v.Err() != nil {
		t.Fatal("empty collector should report no errors")
	}

	v.Add(nil)
	v.AddLayout("score", "overlaps name")
	if v.Error() != NewLayout("score", "overlaps name").Error() {
		t.Errorf("single error message: %q", v.Error())
	}

	v.AddField("block_size", "not aligned")
	v.AddMissing("device")

	err := v.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !Is(err, ErrLayout) || !Is(err, ErrInvalidConfig) || !Is(err, ErrMissingField) {
		t.Error("collector should unwrap to every collected sentinel")
	}
	if !strings.HasPrefix(err.Error(), "validation failed with 3 errors:") {
		t.Errorf("unexpected message %q", err.Error())
	}

	var ve *ValidationErrors
	if !As(err, &ve) || len(ve.Errors) != 3 {
		t.Error("expected As to find the collector")
	}
}
