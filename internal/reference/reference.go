// Package reference computes kernel results on the host, for checking device output.
//
// Every function is deterministic: accumulation order is fixed per output element, so
// repeated calls with the same inputs return bit-identical buffers even though rows
// are computed concurrently.
package reference

import (
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/parallel"
)

// Multiply returns a @ b for size×size matrices using the naive triple loop.
// C[i,j] = sum_k A[i,k] * B[k,j], with k ascending.
func Multiply(a, b *numeric.Buffer[float32], size int) (*numeric.Buffer[float32], error) {
	if err := checkSquare("reference.Multiply", a, b, size); err != nil {
		return nil, err
	}
	av, bv := a.Values(), b.Values()
	c := make([]float32, size*size)

	parallel.Rows(size, func(start, end int) {
		for i := start; i < end; i++ {
			for j := 0; j < size; j++ {
				var sum float32
				for k := 0; k < size; k++ {
					// Explicit rounding keeps the product out of a fused multiply-add.
					sum += float32(av[i*size+k] * bv[k*size+j])
				}
				c[i*size+j] = sum
			}
		}
	}, parallel.Default())

	return numeric.FromValues(c, numeric.Square(size))
}

// MultiplyGonum returns a @ b computed in float64 by gonum. It is a high-precision
// oracle for estimating the rounding error of float32 results.
func MultiplyGonum(a, b *numeric.Buffer[float32], size int) (*mat.Dense, error) {
	if err := checkSquare("reference.MultiplyGonum", a, b, size); err != nil {
		return nil, err
	}
	var c mat.Dense
	c.Mul(toDense(a), toDense(b))
	return &c, nil
}

// DenseToBuffer rounds a gonum matrix to a float32 buffer.
func DenseToBuffer(m *mat.Dense) (*numeric.Buffer[float32], error) {
	r, c := m.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			out = append(out, float32(v))
		}
	}
	return numeric.FromValues(out, numeric.Dim{Rows: r, Cols: c})
}

// VectorAdd returns a + b element-wise. Unsigned addition wraps.
func VectorAdd[T numeric.Element](a, b *numeric.Buffer[T]) (*numeric.Buffer[T], error) {
	if a.Len() != b.Len() {
		return nil, fault.New(fault.ErrConfig, "reference.VectorAdd",
			"length mismatch: %d and %d", a.Len(), b.Len())
	}
	av, bv := a.Values(), b.Values()
	out := make([]T, len(av))
	for i := range av {
		out[i] = av[i] + bv[i]
	}
	return numeric.FromValues(out, a.Dim())
}

// ScalarMultiply returns a * scalar element-wise.
func ScalarMultiply(a *numeric.Buffer[float32], scalar float32) (*numeric.Buffer[float32], error) {
	out := a.Values()
	for i := range out {
		out[i] *= scalar
	}
	return numeric.FromValues(out, a.Dim())
}

func checkSquare(op string, a, b *numeric.Buffer[float32], size int) error {
	if size <= 0 {
		return fault.New(fault.ErrConfig, op, "size must be positive, got %d", size)
	}
	want := numeric.Square(size)
	if a.Dim() != want || b.Dim() != want {
		return fault.New(fault.ErrConfig, op, "inputs are %s and %s, size is %d", a.Dim(), b.Dim(), size)
	}
	return nil
}

func toDense(b *numeric.Buffer[float32]) *mat.Dense {
	values := b.Values()
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return mat.NewDense(b.Dim().Rows, b.Dim().Cols, data)
}
