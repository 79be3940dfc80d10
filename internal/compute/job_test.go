package compute_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gemmcheck/internal/backend/software"
	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/metrics"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/reference"
	"github.com/born-ml/gemmcheck/internal/verify"
)

func newSession(t *testing.T, opts ...software.Option) *software.Session {
	t.Helper()
	s := software.New(nil, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func matrix(t *testing.T, n int, values ...float32) *numeric.Buffer[float32] {
	t.Helper()
	b, err := numeric.FromValues(values, numeric.Square(n))
	require.NoError(t, err)
	return b
}

func TestMatMul_3x3MatchesReference(t *testing.T) {
	s := newSession(t)
	a := matrix(t, 3,
		7.817355, 4.669319, 8.464355,
		4.4331923, 6.8329406, 3.967669,
		1.0603511, 4.3951917, 3.1678343,
	)

	got, err := compute.MatMul(context.Background(), s, a, a, compute.MatMulOptions{}, compute.Config{})
	require.NoError(t, err)

	want, err := reference.Multiply(a, a, 3)
	require.NoError(t, err)
	res := verify.Compare(want.Values(), got.Values(), 0.001)
	assert.True(t, res.Passed, res.String())
	assert.Equal(t, numeric.Square(3), got.Dim())
	assert.Zero(t, s.LiveBuffers())
}

func TestMatMul_Variants(t *testing.T) {
	tests := []struct {
		name string
		n    int
		opts compute.MatMulOptions
	}{
		{"untiled divisible", 32, compute.MatMulOptions{TileSize: 16}},
		{"untiled non-divisible", 37, compute.MatMulOptions{TileSize: 16}},
		{"tiled", 40, compute.MatMulOptions{TileSize: 8, Tiled: true}},
		{"single element", 1, compute.MatMulOptions{}},
		{"tile 1", 5, compute.MatMulOptions{TileSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t)
			rng := rand.New(rand.NewPCG(uint64(tt.n), 42))
			a, err := numeric.NewRandomSquare(tt.n, rng)
			require.NoError(t, err)
			b, err := numeric.NewRandomSquare(tt.n, rng)
			require.NoError(t, err)

			got, err := compute.MatMul(context.Background(), s, a, b, tt.opts, compute.Config{})
			require.NoError(t, err)
			want, err := reference.Multiply(a, b, tt.n)
			require.NoError(t, err)

			tol := verify.MatMulTolerance(tt.n, verify.MaxAbs(a, b))
			res := verify.Compare(want.Values(), got.Values(), tol)
			assert.True(t, res.Passed, res.String())
		})
	}
}

func TestJob_StateTransitions(t *testing.T) {
	s := newSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	m := metrics.New()
	job := compute.NewJob[float32](s, k, compute.Config{Metrics: m})
	a := matrix(t, 2, 1, 2, 3, 4)
	b := matrix(t, 2, 5, 6, 7, 8)

	assert.Equal(t, compute.Initialized, job.State())

	require.NoError(t, job.Stage(a, b))
	assert.Equal(t, compute.BuffersStaged, job.State())
	assert.Equal(t, [3]uint32{1, 1, 1}, job.Plan().Workgroups)
	staged := job.Staged()
	require.NotNil(t, staged.InputB)
	assert.Equal(t, uint64(16), staged.Output.Size())
	assert.True(t, staged.Staging.Usage().Has(compute.UsageMapRead|compute.UsageCopyDst))
	assert.Equal(t, 5, s.LiveBuffers())

	require.NoError(t, job.Submit())
	assert.Equal(t, compute.Submitted, job.State())

	_, err = job.Result()
	assert.ErrorIs(t, err, fault.ErrInvalidState, "no host read before completion")

	require.NoError(t, job.AwaitReadback(context.Background()))
	assert.Equal(t, compute.AwaitingReadback, job.State())

	require.NoError(t, job.Complete())
	assert.Equal(t, compute.Completed, job.State())
	assert.Zero(t, s.LiveBuffers())

	out, err := job.Result()
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, out.Values())

	assert.InDelta(t, 1, testutil.ToFloat64(m.Transitions.WithLabelValues(k.Name, "Completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Jobs.WithLabelValues(k.Name, "completed")), 0)
}

func TestJob_OutOfOrder(t *testing.T) {
	s := newSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	job := compute.NewJob[float32](s, k, compute.Config{})

	assert.ErrorIs(t, job.Submit(), fault.ErrInvalidState)
	assert.ErrorIs(t, job.AwaitReadback(context.Background()), fault.ErrInvalidState)
	assert.ErrorIs(t, job.Complete(), fault.ErrInvalidState)
	assert.Equal(t, compute.Initialized, job.State(), "refused transitions leave the state alone")

	a := matrix(t, 2, 1, 2, 3, 4)
	_, err = job.Run(context.Background(), a, a)
	require.NoError(t, err)

	_, err = job.Run(context.Background(), a, a)
	assert.ErrorIs(t, err, fault.ErrInvalidState, "completed jobs are single-use")
}

func TestJob_OversizeFailsBeforeAllocation(t *testing.T) {
	limits := compute.DefaultLimits()
	limits.MaxStorageBindingSize = 1 << 10
	s := newSession(t, software.WithLimits(limits))

	a, err := numeric.NewRandomSquare(17, nil) // 17*17*4 = 1156 bytes
	require.NoError(t, err)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	job := compute.NewJob[float32](s, k, compute.Config{})

	err = job.Stage(a, a)
	assert.ErrorIs(t, err, fault.ErrConfig)
	assert.Equal(t, compute.Failed, job.State())
	assert.Zero(t, s.LiveBuffers())

	assert.ErrorIs(t, job.Stage(a, a), fault.ErrInvalidState, "failed jobs are single-use")
}

func TestJob_WorkgroupLimit(t *testing.T) {
	limits := compute.DefaultLimits()
	limits.MaxWorkgroupsPerDimension = 2
	s := newSession(t, software.WithLimits(limits))

	a, err := numeric.NewRandomSquare(33, nil)
	require.NoError(t, err)
	_, err = compute.MatMul(context.Background(), s, a, a, compute.MatMulOptions{TileSize: 16}, compute.Config{})
	assert.ErrorIs(t, err, fault.ErrConfig)
	assert.Zero(t, s.LiveBuffers())
}

func TestJob_InputValidation(t *testing.T) {
	s := newSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)

	two := matrix(t, 2, 1, 2, 3, 4)
	three, err := numeric.NewRandomSquare(3, nil)
	require.NoError(t, err)
	vec, err := numeric.FromValues([]float32{1, 2, 3, 4}, numeric.Vector(4))
	require.NoError(t, err)

	tests := []struct {
		name   string
		inputs []*numeric.Buffer[float32]
	}{
		{"one input", []*numeric.Buffer[float32]{two}},
		{"size mismatch", []*numeric.Buffer[float32]{two, three}},
		{"not square", []*numeric.Buffer[float32]{vec, vec}},
		{"nil input", []*numeric.Buffer[float32]{two, nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := compute.NewJob[float32](s, k, compute.Config{})
			assert.ErrorIs(t, job.Stage(tt.inputs...), fault.ErrConfig)
		})
	}

	u, err := numeric.FromValues([]uint32{1, 2, 3, 4}, numeric.Square(2))
	require.NoError(t, err)
	job := compute.NewJob[uint32](s, k, compute.Config{})
	assert.ErrorIs(t, job.Stage(u, u), fault.ErrConfig, "element type must match the kernel")
}

func TestCheckBindings(t *testing.T) {
	s := newSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)

	storage, err := s.CreateBuffer(compute.BufferDesc{Label: "s", Size: 16, Usage: compute.UsageStorage | compute.UsageCopySrc})
	require.NoError(t, err)
	uniform, err := s.CreateBuffer(compute.BufferDesc{Label: "u", Size: 16, Usage: compute.UsageUniform | compute.UsageCopyDst})
	require.NoError(t, err)

	valid := []compute.Binding{
		{Slot: kernels.SlotInputA, Kind: kernels.ReadOnlyStorage, Buffer: storage},
		{Slot: kernels.SlotInputB, Kind: kernels.ReadOnlyStorage, Buffer: storage},
		{Slot: kernels.SlotOutput, Kind: kernels.Storage, Buffer: storage},
		{Slot: kernels.SlotParams, Kind: kernels.Uniform, Buffer: uniform},
	}
	require.NoError(t, compute.CheckBindings(k, valid))

	mutate := func(f func([]compute.Binding) []compute.Binding) []compute.Binding {
		return f(append([]compute.Binding(nil), valid...))
	}
	tests := []struct {
		name     string
		bindings []compute.Binding
	}{
		{"missing params", valid[:3]},
		{"duplicate slot", mutate(func(b []compute.Binding) []compute.Binding { return append(b, b[0]) })},
		{"undeclared slot", mutate(func(b []compute.Binding) []compute.Binding {
			return append(b, compute.Binding{Slot: 4, Kind: kernels.Storage, Buffer: storage})
		})},
		{"kind mismatch", mutate(func(b []compute.Binding) []compute.Binding {
			b[2].Kind = kernels.ReadOnlyStorage
			return b
		})},
		{"uniform in storage slot", mutate(func(b []compute.Binding) []compute.Binding {
			b[0].Buffer = uniform
			return b
		})},
		{"nil buffer", mutate(func(b []compute.Binding) []compute.Binding {
			b[3].Buffer = nil
			return b
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, compute.CheckBindings(k, tt.bindings), fault.ErrBindingMismatch)
		})
	}

	scale := kernels.ScalarMul()
	assert.ErrorIs(t, compute.CheckBindings(scale, valid), fault.ErrBindingMismatch,
		"binding 1 is not part of the one-input layout")
}

func TestJob_MapErrorFailsAndReleases(t *testing.T) {
	cause := errors.New("device lost")
	s := newSession(t, software.WithMapError(cause))
	a := matrix(t, 2, 1, 2, 3, 4)

	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	job := compute.NewJob[float32](s, k, compute.Config{})
	_, err = job.Run(context.Background(), a, a)

	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, compute.Failed, job.State())
	assert.Equal(t, err, job.Err())
	assert.Zero(t, s.LiveBuffers())

	// The session lock was released with the buffers.
	s.Lock()
	s.Unlock() //nolint:staticcheck // SA2001: checks the lock is free
}

func TestJob_PollTimeout(t *testing.T) {
	s := newSession(t, software.WithLatency(300*time.Millisecond))
	a := matrix(t, 2, 1, 2, 3, 4)

	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	job := compute.NewJob[float32](s, k, compute.Config{PollTimeout: 20 * time.Millisecond})
	_, err = job.Run(context.Background(), a, a)

	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, compute.Failed, job.State())
	assert.Zero(t, s.LiveBuffers())
}

func TestJob_CloseAbandoned(t *testing.T) {
	s := newSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	job := compute.NewJob[float32](s, k, compute.Config{})
	a := matrix(t, 2, 1, 2, 3, 4)

	require.NoError(t, job.Stage(a, a))
	require.NoError(t, job.Submit())
	job.Close()

	assert.Equal(t, compute.Failed, job.State())
	assert.ErrorIs(t, job.Err(), fault.ErrInvalidState)
	assert.Zero(t, s.LiveBuffers())

	job.Close()
	assert.Equal(t, compute.Failed, job.State())
}

func TestVectorAdd_Uint32(t *testing.T) {
	s := newSession(t)
	rng := rand.New(rand.NewPCG(1, 1))
	a, err := numeric.NewRandom[uint32](numeric.Vector(1000), rng)
	require.NoError(t, err)
	b, err := numeric.NewRandom[uint32](numeric.Vector(1000), rng)
	require.NoError(t, err)

	got, err := compute.VectorAdd(context.Background(), s, a, b, compute.Config{})
	require.NoError(t, err)
	want, err := reference.VectorAdd(a, b)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestVectorAddFloat32(t *testing.T) {
	s := newSession(t)
	a, err := numeric.FromValues([]float32{1, 2, 3}, numeric.Vector(3))
	require.NoError(t, err)
	b, err := numeric.FromValues([]float32{0.5, 0.25, -3}, numeric.Vector(3))
	require.NoError(t, err)

	got, err := compute.VectorAddFloat32(context.Background(), s, a, b, compute.Config{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.25, 0}, got.Values())
}

func TestScalarMultiply(t *testing.T) {
	s := newSession(t)
	rng := rand.New(rand.NewPCG(9, 9))
	a, err := numeric.NewRandom[float32](numeric.Vector(700), rng)
	require.NoError(t, err)

	got, err := compute.ScalarMultiply(context.Background(), s, a, 2.5, compute.Config{})
	require.NoError(t, err)
	want, err := reference.ScalarMultiply(a, 2.5)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestSession_SerializesJobs(t *testing.T) {
	s := newSession(t)
	rng := rand.New(rand.NewPCG(5, 5))
	a, err := numeric.NewRandomSquare(24, rng)
	require.NoError(t, err)
	want, err := reference.Multiply(a, a, 24)
	require.NoError(t, err)

	errs := make(chan error, 4)
	for range 4 {
		go func() {
			got, err := compute.MatMul(context.Background(), s, a, a, compute.MatMulOptions{TileSize: 8}, compute.Config{})
			if err == nil && !verify.Compare(want.Values(), got.Values(), verify.DefaultTolerance).Passed {
				err = errors.New("result mismatch")
			}
			errs <- err
		}()
	}
	for range 4 {
		require.NoError(t, <-errs)
	}
	assert.Zero(t, s.LiveBuffers())
}
