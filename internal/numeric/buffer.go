package numeric

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/born-ml/gemmcheck/internal/fault"
)

// Random value ranges used by NewRandom.
const (
	RandomFloatMax = 10  // float32 values are drawn from [0, 10)
	RandomUintMax  = 100 // uint32 values are drawn from [0, 100)
)

// Dim is the logical shape of a buffer. Vectors use Rows == 1.
type Dim struct {
	Rows int
	Cols int
}

// Square returns the dimension of an n×n matrix.
func Square(n int) Dim { return Dim{Rows: n, Cols: n} }

// Vector returns the dimension of a length-n vector.
func Vector(n int) Dim { return Dim{Rows: 1, Cols: n} }

// Len returns the number of elements described by d.
func (d Dim) Len() int { return d.Rows * d.Cols }

// IsSquare reports whether d describes a square matrix.
func (d Dim) IsSquare() bool { return d.Rows == d.Cols }

func (d Dim) String() string { return fmt.Sprintf("%dx%d", d.Rows, d.Cols) }

func (d Dim) validate(op string) error {
	if d.Rows <= 0 || d.Cols <= 0 {
		return fault.New(fault.ErrConfig, op, "dimension must be positive, got %s", d)
	}
	return nil
}

// Buffer is an immutable row-major array of 4-byte elements.
// Operations that produce data return a new Buffer.
type Buffer[T Element] struct {
	values []T
	dim    Dim
}

// NewRandom fills a buffer of the given dimension with uniformly distributed values:
// [0, RandomFloatMax) for float32 and [0, RandomUintMax) for uint32.
// A nil rng uses a randomly seeded source.
func NewRandom[T Element](dim Dim, rng *rand.Rand) (*Buffer[T], error) {
	if err := dim.validate("numeric.NewRandom"); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	values := make([]T, dim.Len())
	switch v := any(values).(type) {
	case []float32:
		for i := range v {
			v[i] = rng.Float32() * RandomFloatMax
		}
	case []uint32:
		for i := range v {
			v[i] = rng.Uint32N(RandomUintMax)
		}
	}
	return &Buffer[T]{values: values, dim: dim}, nil
}

// NewRandomSquare returns a random n×n float32 matrix.
func NewRandomSquare(n int, rng *rand.Rand) (*Buffer[float32], error) {
	return NewRandom[float32](Square(n), rng)
}

// FromValues copies values into a new buffer of the given dimension.
func FromValues[T Element](values []T, dim Dim) (*Buffer[T], error) {
	if err := dim.validate("numeric.FromValues"); err != nil {
		return nil, err
	}
	if len(values) != dim.Len() {
		return nil, fault.New(fault.ErrConfig, "numeric.FromValues",
			"%d values do not fill a %s buffer", len(values), dim)
	}
	return &Buffer[T]{values: append([]T(nil), values...), dim: dim}, nil
}

// FromBytes decodes little-endian elements. A zero dim yields a vector of the decoded length;
// otherwise the byte count must match dim exactly.
func FromBytes[T Element](data []byte, dim Dim) (*Buffer[T], error) {
	if len(data)%elementSize != 0 {
		return nil, fault.New(fault.ErrDeserialization, "numeric.FromBytes",
			"byte length %d is not a multiple of %d", len(data), elementSize)
	}
	n := len(data) / elementSize
	if dim == (Dim{}) {
		dim = Vector(n)
	}
	if n != dim.Len() {
		return nil, fault.New(fault.ErrDeserialization, "numeric.FromBytes",
			"%d elements do not fill a %s buffer", n, dim)
	}

	values := make([]T, n)
	switch v := any(values).(type) {
	case []float32:
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*elementSize:]))
		}
	case []uint32:
		for i := range v {
			v[i] = binary.LittleEndian.Uint32(data[i*elementSize:])
		}
	}
	return &Buffer[T]{values: values, dim: dim}, nil
}

// ToBytes encodes the buffer little-endian. It is the exact inverse of FromBytes.
func (b *Buffer[T]) ToBytes() []byte {
	out := make([]byte, b.ByteSize())
	switch v := any(b.values).(type) {
	case []float32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[i*elementSize:], math.Float32bits(x))
		}
	case []uint32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[i*elementSize:], x)
		}
	}
	return out
}

// ByteSize returns the encoded size in bytes.
func (b *Buffer[T]) ByteSize() int { return len(b.values) * elementSize }

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return len(b.values) }

// Dim returns the logical shape.
func (b *Buffer[T]) Dim() Dim { return b.dim }

// ElementType returns the runtime element type.
func (b *Buffer[T]) ElementType() ElementType { return TypeOf[T]() }

// At returns the i-th element in row-major order.
func (b *Buffer[T]) At(i int) T { return b.values[i] }

// At2 returns the element at (row, col).
func (b *Buffer[T]) At2(row, col int) T { return b.values[row*b.dim.Cols+col] }

// Values returns a copy of the elements.
func (b *Buffer[T]) Values() []T { return append([]T(nil), b.values...) }

// Equal reports whether both buffers have the same shape and bit-identical elements.
func (b *Buffer[T]) Equal(other *Buffer[T]) bool {
	if other == nil || b.dim != other.dim || len(b.values) != len(other.values) {
		return false
	}
	for i := range b.values {
		if !sameBits(b.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

func sameBits[T Element](x, y T) bool {
	switch xv := any(x).(type) {
	case float32:
		return math.Float32bits(xv) == math.Float32bits(any(y).(float32))
	default:
		return x == y
	}
}

// Format writes at most maxRows×maxCols elements row by row; 0 means no limit.
// Truncated rows and columns are marked with "...".
func (b *Buffer[T]) Format(w io.Writer, maxRows, maxCols int) error {
	rows, cols := b.dim.Rows, b.dim.Cols
	if maxRows > 0 && rows > maxRows {
		rows = maxRows
	}
	if maxCols > 0 && cols > maxCols {
		cols = maxCols
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if _, err := fmt.Fprintf(w, "%v ", b.At2(i, j)); err != nil {
				return err
			}
		}
		if cols < b.dim.Cols {
			if _, err := io.WriteString(w, "..."); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	if rows < b.dim.Rows {
		if _, err := io.WriteString(w, "...\n"); err != nil {
			return err
		}
	}
	return nil
}
