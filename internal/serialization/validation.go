package serialization

import (
	"fmt"
	"math"
)

// Validation limits for resource protection.
const (
	MaxMetadataSize = 1 << 20 // 1MB - maximum metadata size
	MaxPayloadSize  = 1 << 32 // 4GB - maximum payload size
)

// ValidateHeader checks the fixed header for internal consistency before any
// payload is read.
func ValidateHeader(h *Header) error {
	if h.Rows == 0 || h.Cols == 0 {
		return &ValidationError{
			Type:    "dimension",
			Details: fmt.Sprintf("%dx%d has no elements", h.Rows, h.Cols),
		}
	}
	if h.MetadataSize > MaxMetadataSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrHeaderTooLarge, h.MetadataSize, MaxMetadataSize)
	}
	if h.PayloadSize > MaxPayloadSize {
		return &ValidationError{
			Type:    "payload_size",
			Details: fmt.Sprintf("%d bytes, max %d", h.PayloadSize, uint64(MaxPayloadSize)),
		}
	}

	elements := uint64(h.Rows) * uint64(h.Cols)
	if elements > math.MaxUint64/uint64(h.Element.Size()) || elements*uint64(h.Element.Size()) != h.PayloadSize {
		return &ValidationError{
			Type:    "payload_size",
			Details: fmt.Sprintf("%dx%d %s needs %d bytes, header says %d", h.Rows, h.Cols, h.Element, elements*uint64(h.Element.Size()), h.PayloadSize),
		}
	}
	return nil
}
