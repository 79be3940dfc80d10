// Package kernels describes the compute kernels the host can dispatch and the
// fixed binding contract they share with the host.
//
// The WGSL sources are opaque to the rest of the module: the compute package only
// relies on the descriptor fields (bindings, workgroup shape, element type).
package kernels

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// Binding slots shared by host and kernel. They are part of the kernel contract
// and must match the @binding attributes in the WGSL sources exactly.
const (
	SlotInputA uint32 = 0
	SlotInputB uint32 = 1
	SlotOutput uint32 = 2
	SlotParams uint32 = 3
)

// MaxInvocationsPerWorkgroup is the WebGPU default limit on threads per workgroup.
const MaxInvocationsPerWorkgroup = 256

// BindingKind is the resource type a kernel expects at a slot.
type BindingKind int

// Binding kinds.
const (
	ReadOnlyStorage BindingKind = iota
	Storage
	Uniform
)

func (k BindingKind) String() string {
	switch k {
	case ReadOnlyStorage:
		return "read-only-storage"
	case Storage:
		return "storage"
	case Uniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// Slot is one entry of a kernel's bind group layout.
type Slot struct {
	Binding uint32
	Kind    BindingKind
}

// Op identifies the computation a kernel performs, independent of its source.
type Op int

// Supported operations.
const (
	OpMatMul Op = iota
	OpAdd
	OpScalarMul
)

func (op Op) String() string {
	switch op {
	case OpMatMul:
		return "matmul"
	case OpAdd:
		return "add"
	case OpScalarMul:
		return "scalar_mul"
	default:
		return "unknown"
	}
}

// Kernel describes one compute kernel.
type Kernel struct {
	Name          string              // Unique name; used as the pipeline cache key
	Op            Op                  // Computation performed
	Source        string              // WGSL source
	EntryPoint    string              // Entry point function
	Element       numeric.ElementType // Element type of every storage binding
	Inputs        int                 // Number of input buffers (1 or 2)
	Axes          int                 // 1 for vector kernels, 2 for matrix kernels
	TileSize      int                 // Elements per workgroup along each tiled axis
	WorkgroupSize [3]int              // Threads per workgroup as declared in the source
	Layout        []Slot              // Bind group 0 layout
}

// HasScalar reports whether the kernel reads a scalar from the params uniform.
func (k Kernel) HasScalar() bool { return k.Op == OpScalarMul }

// Invocations returns the number of threads per workgroup.
func (k Kernel) Invocations() int {
	return k.WorkgroupSize[0] * k.WorkgroupSize[1] * k.WorkgroupSize[2]
}

// Slot returns the layout entry for binding, if declared.
func (k Kernel) Slot(binding uint32) (Slot, bool) {
	for _, s := range k.Layout {
		if s.Binding == binding {
			return s, true
		}
	}
	return Slot{}, false
}

// Validate checks the descriptor for internal consistency.
func (k Kernel) Validate() error {
	if k.Name == "" || k.Source == "" || k.EntryPoint == "" {
		return fault.New(fault.ErrConfig, "kernels.Validate", "kernel %q is incomplete", k.Name)
	}
	if k.Inputs < 1 || k.Inputs > 2 {
		return fault.New(fault.ErrConfig, "kernels.Validate", "kernel %q has %d inputs", k.Name, k.Inputs)
	}
	if k.Axes < 1 || k.Axes > 2 {
		return fault.New(fault.ErrConfig, "kernels.Validate", "kernel %q has %d axes", k.Name, k.Axes)
	}
	if k.TileSize <= 0 {
		return fault.New(fault.ErrConfig, "kernels.Validate", "kernel %q has tile size %d", k.Name, k.TileSize)
	}
	if n := k.Invocations(); n <= 0 || n > MaxInvocationsPerWorkgroup {
		return fault.New(fault.ErrConfig, "kernels.Validate",
			"kernel %q uses %d invocations per workgroup, limit is %d", k.Name, n, MaxInvocationsPerWorkgroup)
	}
	return nil
}

func twoInputLayout() []Slot {
	return []Slot{
		{Binding: SlotInputA, Kind: ReadOnlyStorage},
		{Binding: SlotInputB, Kind: ReadOnlyStorage},
		{Binding: SlotOutput, Kind: Storage},
		{Binding: SlotParams, Kind: Uniform},
	}
}

func oneInputLayout() []Slot {
	return []Slot{
		{Binding: SlotInputA, Kind: ReadOnlyStorage},
		{Binding: SlotOutput, Kind: Storage},
		{Binding: SlotParams, Kind: Uniform},
	}
}

func specialize(src string, tile int) string {
	return strings.NewReplacer(
		tilePlaceholder, strconv.Itoa(tile),
		tileAreaPlaceholder, strconv.Itoa(tile*tile),
	).Replace(src)
}

func checkTile(op string, tile int) error {
	if tile <= 0 || tile*tile > MaxInvocationsPerWorkgroup {
		return fault.New(fault.ErrConfig, op,
			"tile size %d needs %d invocations per workgroup, limit is %d",
			tile, tile*tile, MaxInvocationsPerWorkgroup)
	}
	return nil
}

// MatMul returns the untiled matrix multiplication kernel with tile×tile workgroups.
func MatMul(tile int) (Kernel, error) {
	if err := checkTile("kernels.MatMul", tile); err != nil {
		return Kernel{}, err
	}
	return Kernel{
		Name:          fmt.Sprintf("matmul_%d", tile),
		Op:            OpMatMul,
		Source:        specialize(matmulShader, tile),
		EntryPoint:    "main",
		Element:       numeric.Float32,
		Inputs:        2,
		Axes:          2,
		TileSize:      tile,
		WorkgroupSize: [3]int{tile, tile, 1},
		Layout:        twoInputLayout(),
	}, nil
}

// MatMulTiled returns the shared-memory tiled matrix multiplication kernel.
func MatMulTiled(tile int) (Kernel, error) {
	if err := checkTile("kernels.MatMulTiled", tile); err != nil {
		return Kernel{}, err
	}
	return Kernel{
		Name:          fmt.Sprintf("matmul_tiled_%d", tile),
		Op:            OpMatMul,
		Source:        specialize(matmulTiledShader, tile),
		EntryPoint:    "main",
		Element:       numeric.Float32,
		Inputs:        2,
		Axes:          2,
		TileSize:      tile,
		WorkgroupSize: [3]int{tile, tile, 1},
		Layout:        twoInputLayout(),
	}, nil
}

// VectorAddUint32 returns the u32 vector addition kernel. Its tile size is 1,
// so the dispatch count equals the vector length.
func VectorAddUint32() Kernel {
	return Kernel{
		Name:          "add_u32",
		Op:            OpAdd,
		Source:        addShaderUint32,
		EntryPoint:    "main",
		Element:       numeric.Uint32,
		Inputs:        2,
		Axes:          1,
		TileSize:      1,
		WorkgroupSize: [3]int{1, 1, 1},
		Layout:        twoInputLayout(),
	}
}

// VectorAdd returns the f32 vector addition kernel.
func VectorAdd() Kernel {
	return Kernel{
		Name:          "add_f32",
		Op:            OpAdd,
		Source:        addShader,
		EntryPoint:    "main",
		Element:       numeric.Float32,
		Inputs:        2,
		Axes:          1,
		TileSize:      elementwiseWorkgroupSize,
		WorkgroupSize: [3]int{elementwiseWorkgroupSize, 1, 1},
		Layout:        twoInputLayout(),
	}
}

// ScalarMul returns the f32 scalar multiplication kernel. It has a single input
// and reads the scalar from the params uniform.
func ScalarMul() Kernel {
	return Kernel{
		Name:          "scalar_mul_f32",
		Op:            OpScalarMul,
		Source:        scalarMulShader,
		EntryPoint:    "main",
		Element:       numeric.Float32,
		Inputs:        1,
		Axes:          1,
		TileSize:      elementwiseWorkgroupSize,
		WorkgroupSize: [3]int{elementwiseWorkgroupSize, 1, 1},
		Layout:        oneInputLayout(),
	}
}
