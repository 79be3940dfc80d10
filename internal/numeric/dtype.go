// Package numeric provides the flat row-major buffers exchanged with compute devices.
package numeric

// Element is a constraint for the element types a device kernel can consume.
// Both are 4 bytes wide and encoded little-endian on the wire.
type Element interface {
	float32 | uint32
}

// ElementType represents runtime type information for buffers.
type ElementType int

// Supported element types.
const (
	Float32 ElementType = iota
	Uint32
)

// elementSize is the byte width of every supported element type.
const elementSize = 4

// Size returns the byte size of the element type.
func (et ElementType) Size() int {
	switch et {
	case Float32, Uint32:
		return elementSize
	default:
		panic("unknown element type")
	}
}

// String returns a human-readable name for the element type.
func (et ElementType) String() string {
	switch et {
	case Float32:
		return "float32"
	case Uint32:
		return "uint32"
	default:
		return "unknown"
	}
}

// TypeOf infers ElementType from a generic type T.
func TypeOf[T Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case uint32:
		return Uint32
	default:
		panic("unsupported element type")
	}
}
