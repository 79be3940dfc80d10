package serialization

import (
	"time"

	"github.com/born-ml/gemmcheck/internal/numeric"
)

// Format constants.
const (
	MagicBytes      = "GMX1"
	FormatVersion   = 1
	HeaderAlignment = 64   // Align the payload to 64 bytes
	FixedHeaderSize = 64   // Fixed header size (0x40 bytes)
	ChecksumSize    = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffset  = 0x20 // Checksum offset in the fixed header
)

// Element type codes stored in the fixed header.
const (
	codeFloat32 uint32 = 0
	codeUint32  uint32 = 1
)

// Header is the fixed part of a .gmx file.
type Header struct {
	Version      uint32
	Element      numeric.ElementType
	MetadataSize uint32
	Rows         uint32
	Cols         uint32
	PayloadSize  uint64
	Checksum     [ChecksumSize]byte
}

// Dim returns the matrix dimensions.
func (h Header) Dim() numeric.Dim {
	return numeric.Dim{Rows: int(h.Rows), Cols: int(h.Cols)}
}

// Metadata records how a matrix was produced.
type Metadata struct {
	Kernel    string            `json:"kernel,omitempty"`    // Kernel name, e.g. "matmul_16"
	Adapter   string            `json:"adapter,omitempty"`   // Device that computed the result
	Verified  *bool             `json:"verified,omitempty"`  // Verifier verdict, if one ran
	Tolerance float32           `json:"tolerance,omitempty"` // Tolerance the verdict used
	CreatedAt time.Time         `json:"created_at"`          // When the file was written
	Extra     map[string]string `json:"extra,omitempty"`     // Free-form annotations
}

// File is a parsed .gmx file.
type File struct {
	Header   Header
	Metadata Metadata
	Payload  []byte
}

func elementCode(et numeric.ElementType) uint32 {
	if et == numeric.Uint32 {
		return codeUint32
	}
	return codeFloat32
}

func elementFromCode(code uint32) (numeric.ElementType, bool) {
	switch code {
	case codeFloat32:
		return numeric.Float32, true
	case codeUint32:
		return numeric.Uint32, true
	default:
		return 0, false
	}
}

// paddingFor returns the zero bytes needed after offset to reach the alignment.
func paddingFor(offset int64) int64 {
	return (HeaderAlignment - offset%HeaderAlignment) % HeaderAlignment
}
