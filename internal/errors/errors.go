// Package errors provides the error catalogue for the value store.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for layout and configuration validation problems

package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Physical I/O errors
	ErrIO        = errors.New("flash i/o failure")
	ErrQueueFull = errors.New("flash request queue full")
	ErrClosed    = errors.New("device closed")

	// Image errors
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidImage     = errors.New("invalid page image")

	// Layout / configuration errors
	ErrLayout        = errors.New("invalid storage layout")
	ErrOutOfRange    = errors.New("address range exceeds block")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Re-exported so callers need a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)

// IsIOError returns true if err came from the physical device.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrClosed)
}

// IsConfigError returns true if err is a layout or configuration error.
// These are build-time mistakes and are never retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrLayout) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsCorruption returns true if err reports damaged persisted data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrInvalidImage)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap prefixes err with message. A nil err stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewOutOfRange reports a field whose rounded size runs past the block.
func NewOutOfRange(offset, size, blockSize int) error {
	return fmt.Errorf("offset %d + size %d > block size %d: %w", offset, size, blockSize, ErrOutOfRange)
}

// NewLayout reports a misplaced or malformed layout field.
func NewLayout(field, reason string) error {
	return fmt.Errorf("field %q: %s: %w", field, reason, ErrLayout)
}

// NewValidation reports a config value outside its allowed range.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField reports a required config value left empty.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors accumulates problems so a layout or config can report
// all of them at once.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors returns an empty collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add records err unless it is nil.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField records a NewValidation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddLayout adds a layout error for the named field.
func (v *ValidationErrors) AddLayout(field, reason string) {
	v.Errors = append(v.Errors, NewLayout(field, reason))
}

// AddMissing records a NewMissingField error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors reports whether anything was recorded.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns v as an error, or nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes the recorded errors to Is and As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
