//go:build windows

package webgpu

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/reference"
	"github.com/born-ml/gemmcheck/internal/verify"
)

// acquireOrSkip skips the test when no WebGPU device is present.
func acquireOrSkip(t *testing.T) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := Acquire(ctx, nil)
	if err != nil {
		t.Logf("WebGPU not available: %v", err)
		t.Skip("WebGPU not available on this system")
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Session)
}

func TestListAdapters(t *testing.T) {
	adapters, err := ListAdapters()
	if err != nil {
		assert.ErrorIs(t, err, fault.ErrDeviceUnavailable)
		t.Skip("WebGPU not available on this system")
	}
	for i, info := range adapters {
		t.Logf("Adapter %d: %s backend=%s %s", i, info, info.Backend, info.Description)
	}
}

func TestMatMul_3x3(t *testing.T) {
	s := acquireOrSkip(t)
	a, err := numeric.FromValues([]float32{
		7.817355, 4.669319, 8.464355,
		4.4331923, 6.8329406, 3.967669,
		1.0603511, 4.3951917, 3.1678343,
	}, numeric.Square(3))
	require.NoError(t, err)

	got, err := compute.MatMul(context.Background(), s, a, a, compute.MatMulOptions{}, compute.Config{})
	require.NoError(t, err)
	want, err := reference.Multiply(a, a, 3)
	require.NoError(t, err)

	res := verify.Compare(want.Values(), got.Values(), 0.001)
	assert.True(t, res.Passed, res.String())
}

func TestMatMul_TiledNonDivisible(t *testing.T) {
	s := acquireOrSkip(t)
	rng := rand.New(rand.NewPCG(1, 2))
	a, err := numeric.NewRandomSquare(100, rng)
	require.NoError(t, err)
	b, err := numeric.NewRandomSquare(100, rng)
	require.NoError(t, err)

	want, err := reference.Multiply(a, b, 100)
	require.NoError(t, err)
	tol := verify.MatMulTolerance(100, verify.MaxAbs(a, b))

	for _, tiled := range []bool{false, true} {
		got, err := compute.MatMul(context.Background(), s, a, b, compute.MatMulOptions{TileSize: 16, Tiled: tiled}, compute.Config{})
		require.NoError(t, err)
		res := verify.Compare(want.Values(), got.Values(), tol)
		assert.True(t, res.Passed, "tiled=%v: %s", tiled, res)
	}
}

func TestVectorAdd_Uint32(t *testing.T) {
	s := acquireOrSkip(t)
	rng := rand.New(rand.NewPCG(3, 4))
	a, err := numeric.NewRandom[uint32](numeric.Vector(512), rng)
	require.NoError(t, err)
	b, err := numeric.NewRandom[uint32](numeric.Vector(512), rng)
	require.NoError(t, err)

	got, err := compute.VectorAdd(context.Background(), s, a, b, compute.Config{})
	require.NoError(t, err)
	want, err := reference.VectorAdd(a, b)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestSession_ReusesPooledBuffers(t *testing.T) {
	s := acquireOrSkip(t)
	a, err := numeric.NewRandomSquare(8, nil)
	require.NoError(t, err)

	for range 2 {
		_, err := compute.MatMul(context.Background(), s, a, a, compute.MatMulOptions{}, compute.Config{})
		require.NoError(t, err)
	}
	stats := s.PoolStats()
	assert.Equal(t, uint64(2), stats.Hits, "second job reuses output and staging buffers")
	assert.Equal(t, 2, stats.Pooled)
}

func TestEncode_BindingMismatch(t *testing.T) {
	s := acquireOrSkip(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	out, err := s.CreateBuffer(compute.BufferDesc{Label: "out", Size: 16, Usage: compute.UsageStorage | compute.UsageCopySrc})
	require.NoError(t, err)
	defer s.ReleaseBuffer(out)

	_, err = s.Encode(p, []compute.Binding{{Slot: kernels.SlotOutput, Kind: kernels.Storage, Buffer: out}},
		[3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: out, Size: 16})
	assert.ErrorIs(t, err, fault.ErrBindingMismatch)
}

func TestMapRead_RejectsForeignBuffers(t *testing.T) {
	s := acquireOrSkip(t)

	assert.ErrorIs(t, <-s.MapRead(nil), fault.ErrGPUExecution)

	out, err := s.CreateBuffer(compute.BufferDesc{Label: "out", Size: 16, Usage: compute.UsageStorage | compute.UsageCopySrc})
	require.NoError(t, err)
	defer s.ReleaseBuffer(out)

	err = <-s.MapRead(out)
	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.Contains(t, err.Error(), `"out"`)
}
