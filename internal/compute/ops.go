package compute

import (
	"context"

	"github.com/born-ml/gemmcheck/internal/dispatch"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// MatMulOptions selects the matrix multiplication kernel.
type MatMulOptions struct {
	TileSize int  // Tile edge; defaults to dispatch.DefaultTileSize
	Tiled    bool // Use the shared-memory tiled kernel
}

// MatMulKernel resolves the kernel described by opts.
func MatMulKernel(opts MatMulOptions) (kernels.Kernel, error) {
	tile := opts.TileSize
	if tile == 0 {
		tile = dispatch.DefaultTileSize
	}
	if opts.Tiled {
		return kernels.MatMulTiled(tile)
	}
	return kernels.MatMul(tile)
}

// MatMul multiplies two square matrices on session.
func MatMul(ctx context.Context, s Session, a, b *numeric.Buffer[float32], opts MatMulOptions, cfg Config) (*numeric.Buffer[float32], error) {
	k, err := MatMulKernel(opts)
	if err != nil {
		return nil, err
	}
	return NewJob[float32](s, k, cfg).Run(ctx, a, b)
}

// VectorAdd adds two u32 vectors on session, one workgroup per element.
func VectorAdd(ctx context.Context, s Session, a, b *numeric.Buffer[uint32], cfg Config) (*numeric.Buffer[uint32], error) {
	return NewJob[uint32](s, kernels.VectorAddUint32(), cfg).Run(ctx, a, b)
}

// VectorAddFloat32 adds two f32 vectors on session.
func VectorAddFloat32(ctx context.Context, s Session, a, b *numeric.Buffer[float32], cfg Config) (*numeric.Buffer[float32], error) {
	return NewJob[float32](s, kernels.VectorAdd(), cfg).Run(ctx, a, b)
}

// ScalarMultiply multiplies every element of a by scalar on session.
func ScalarMultiply(ctx context.Context, s Session, a *numeric.Buffer[float32], scalar float32, cfg Config) (*numeric.Buffer[float32], error) {
	cfg.Scalar = scalar
	return NewJob[float32](s, kernels.ScalarMul(), cfg).Run(ctx, a)
}
