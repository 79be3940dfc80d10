package serialization

import (
	"errors"
	"fmt"
)

// Common errors. Every read failure also matches fault.ErrDeserialization.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrHeaderTooLarge     = errors.New("metadata exceeds maximum size")
	ErrTruncated          = errors.New("file is truncated")
)

// ValidationError provides detailed information about header validation failures.
type ValidationError struct {
	Type    string // Type of error (e.g., "payload_size", "element_type")
	Details string // Additional details
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}
