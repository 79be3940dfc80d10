package software

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/parallel"
)

type buffer struct {
	label    string
	size     uint64
	usage    compute.BufferUsage
	data     []byte
	mapped   bool
	released bool
}

func (b *buffer) Label() string              { return b.label }
func (b *buffer) Size() uint64               { return b.size }
func (b *buffer) Usage() compute.BufferUsage { return b.usage }

type pipeline struct {
	kernel kernels.Kernel
}

func (p *pipeline) Kernel() kernels.Kernel { return p.kernel }

type commands struct {
	pipeline   *pipeline
	workgroups [3]uint32
	slots      map[uint32]*buffer

	copySrc  *buffer
	copyDst  *buffer
	copySize uint64
}

func (c *commands) Release() {}

// runKernel executes k over the dispatched grid. Invocations outside the problem
// are skipped, exactly like the bounds checks in the WGSL sources, and cells the
// grid does not reach are left untouched.
func runKernel(k kernels.Kernel, slots map[uint32]*buffer, wg [3]uint32, cfg parallel.Config) error {
	n, scalar := compute.DecodeParams(slots[kernels.SlotParams].data)
	out := slots[kernels.SlotOutput]
	covered := func(axis int) int {
		return int(wg[axis]) * k.WorkgroupSize[axis]
	}

	switch k.Op {
	case kernels.OpMatMul:
		size := int(n)
		a := loadFloat32(slots[kernels.SlotInputA].data)
		b := loadFloat32(slots[kernels.SlotInputB].data)
		c := loadFloat32(out.data)
		if len(a) < size*size || len(b) < size*size || len(c) < size*size {
			return fmt.Errorf("matmul of size %d overruns its bindings", size)
		}
		rows := min(size, covered(1))
		cols := min(size, covered(0))
		parallel.Rows(rows, func(start, end int) {
			matmulRows(c, a, b, size, cols, start, end)
		}, cfg)
		storeFloat32(out.data, c)

	case kernels.OpAdd:
		count := min(int(n), covered(0))
		a := slots[kernels.SlotInputA].data
		b := slots[kernels.SlotInputB].data
		if uint64(count)*4 > min(uint64(len(a)), uint64(len(b)), out.size) {
			return fmt.Errorf("add of length %d overruns its bindings", count)
		}
		for i := 0; i < count; i++ {
			x := binary.LittleEndian.Uint32(a[i*4:])
			y := binary.LittleEndian.Uint32(b[i*4:])
			var sum uint32
			if k.Element == numeric.Uint32 {
				sum = x + y
			} else {
				sum = math.Float32bits(math.Float32frombits(x) + math.Float32frombits(y))
			}
			binary.LittleEndian.PutUint32(out.data[i*4:], sum)
		}

	case kernels.OpScalarMul:
		count := min(int(n), covered(0))
		a := slots[kernels.SlotInputA].data
		if uint64(count)*4 > min(uint64(len(a)), out.size) {
			return fmt.Errorf("scalar multiply of length %d overruns its bindings", count)
		}
		for i := 0; i < count; i++ {
			x := math.Float32frombits(binary.LittleEndian.Uint32(a[i*4:]))
			binary.LittleEndian.PutUint32(out.data[i*4:], math.Float32bits(x*scalar))
		}

	default:
		return fmt.Errorf("unsupported op %s", k.Op)
	}
	return nil
}

// matmulRows computes rows [start, end) of c = a @ b for the first cols columns.
// Products are rounded to float32 before accumulation so the result matches a
// device without fused multiply-add.
func matmulRows(c, a, b []float32, n, cols, start, end int) {
	for i := start; i < end; i++ {
		for j := 0; j < cols; j++ {
			var sum float32
			for k := 0; k < n; k++ {
				sum += float32(a[i*n+k] * b[k*n+j])
			}
			c[i*n+j] = sum
		}
	}
}

func loadFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func storeFloat32(data []byte, values []float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
}
