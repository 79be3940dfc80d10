package software

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := New(nil, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func float32Bytes(values ...float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func params(n uint32) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out, n)
	return out
}

func TestCreateBuffer_Validation(t *testing.T) {
	s := newTestSession(t, WithLimits(compute.Limits{
		MaxBufferSize:              64,
		MaxStorageBindingSize:      64,
		MaxUniformBindingSize:      16,
		MaxWorkgroupsPerDimension:  4,
		MaxInvocationsPerWorkgroup: 256,
	}))

	tests := []struct {
		name string
		desc compute.BufferDesc
	}{
		{"zero size", compute.BufferDesc{Label: "z", Size: 0, Usage: compute.UsageStorage}},
		{"over limit", compute.BufferDesc{Label: "big", Size: 65, Usage: compute.UsageStorage}},
		{"map read with storage", compute.BufferDesc{Label: "m", Size: 4, Usage: compute.UsageMapRead | compute.UsageStorage}},
		{"contents length", compute.BufferDesc{Label: "c", Size: 8, Usage: compute.UsageStorage, Contents: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateBuffer(tt.desc)
			assert.ErrorIs(t, err, fault.ErrConfig)
		})
	}
	assert.Zero(t, s.LiveBuffers())

	buf, err := s.CreateBuffer(compute.BufferDesc{Label: "ok", Size: 64, Usage: compute.UsageMapRead | compute.UsageCopyDst})
	require.NoError(t, err)
	assert.Equal(t, "ok", buf.Label())
	assert.Equal(t, uint64(64), buf.Size())
	assert.Equal(t, 1, s.LiveBuffers())

	s.ReleaseBuffer(buf)
	s.ReleaseBuffer(buf)
	assert.Zero(t, s.LiveBuffers())
}

func TestPipeline_Cached(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)

	p1, err := s.Pipeline(k)
	require.NoError(t, err)
	p2, err := s.Pipeline(k)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, k.Name, p1.Kernel().Name)

	k.Name = "broken"
	k.EntryPoint = "missing"
	_, err = s.Pipeline(k)
	assert.ErrorIs(t, err, fault.ErrConfig)
}

// stage creates a matmul binding set for n×n inputs.
func stage(t *testing.T, s *Session, n int, a, b []float32) (bindings []compute.Binding, out, staging compute.Buffer) {
	t.Helper()
	size := uint64(n * n * 4)
	mk := func(label string, usage compute.BufferUsage, contents []byte) compute.Buffer {
		buf, err := s.CreateBuffer(compute.BufferDesc{Label: label, Size: size, Usage: usage, Contents: contents})
		require.NoError(t, err)
		return buf
	}
	bufA := mk("A Buffer", compute.UsageStorage|compute.UsageCopyDst, float32Bytes(a...))
	bufB := mk("B Buffer", compute.UsageStorage|compute.UsageCopyDst, float32Bytes(b...))
	out = mk("Output Buffer", compute.UsageStorage|compute.UsageCopySrc, nil)
	staging = mk("Staging Buffer", compute.UsageMapRead|compute.UsageCopyDst, nil)
	uniform, err := s.CreateBuffer(compute.BufferDesc{
		Label: "Size Buffer", Size: 16, Usage: compute.UsageUniform | compute.UsageCopyDst, Contents: params(uint32(n)),
	})
	require.NoError(t, err)

	bindings = []compute.Binding{
		{Slot: kernels.SlotInputA, Kind: kernels.ReadOnlyStorage, Buffer: bufA},
		{Slot: kernels.SlotInputB, Kind: kernels.ReadOnlyStorage, Buffer: bufB},
		{Slot: kernels.SlotOutput, Kind: kernels.Storage, Buffer: out},
		{Slot: kernels.SlotParams, Kind: kernels.Uniform, Buffer: uniform},
	}
	return bindings, out, staging
}

func TestSession_MatMulRoundTrip(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	// [[1,2],[3,4]] @ [[5,6],[7,8]] = [[19,22],[43,50]]
	bindings, out, staging := stage(t, s, 2, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})
	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)
	s.Submit(cmds)

	mapped := s.MapRead(staging)
	_, err = s.ReadMapped(staging)
	assert.ErrorIs(t, err, fault.ErrGPUExecution, "not readable before the poll")

	require.NoError(t, s.PollUntilComplete(context.Background()))
	require.NoError(t, <-mapped)

	data, err := s.ReadMapped(staging)
	require.NoError(t, err)
	assert.Equal(t, float32Bytes(19, 22, 43, 50), data)

	s.Unmap(staging)
	_, err = s.ReadMapped(staging)
	assert.Error(t, err)
}

func TestSession_PartialDispatchLeavesCellsUntouched(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(1)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	bindings, out, staging := stage(t, s, 2, []float32{1, 0, 0, 1}, []float32{1, 2, 3, 4})
	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)
	s.Submit(cmds)
	mapped := s.MapRead(staging)
	require.NoError(t, s.PollUntilComplete(context.Background()))
	require.NoError(t, <-mapped)

	data, err := s.ReadMapped(staging)
	require.NoError(t, err)
	assert.Equal(t, float32Bytes(1, 0, 0, 0), data)
}

func TestEncode_Rejects(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)
	bindings, out, staging := stage(t, s, 2, []float32{1, 2, 3, 4}, []float32{1, 2, 3, 4})
	cp := compute.Copy{Src: out, Dst: staging, Size: out.Size()}

	t.Run("missing slot", func(t *testing.T) {
		_, err := s.Encode(p, bindings[:3], [3]uint32{1, 1, 1}, cp)
		assert.ErrorIs(t, err, fault.ErrBindingMismatch)
	})
	t.Run("zero workgroups", func(t *testing.T) {
		_, err := s.Encode(p, bindings, [3]uint32{0, 1, 1}, cp)
		assert.ErrorIs(t, err, fault.ErrConfig)
	})
	t.Run("too many workgroups", func(t *testing.T) {
		_, err := s.Encode(p, bindings, [3]uint32{65536, 1, 1}, cp)
		assert.ErrorIs(t, err, fault.ErrConfig)
	})
	t.Run("copy source without CopySrc", func(t *testing.T) {
		_, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: staging, Dst: staging, Size: 4})
		assert.ErrorIs(t, err, fault.ErrConfig)
	})
	t.Run("copy overrun", func(t *testing.T) {
		_, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size() + 4})
		assert.ErrorIs(t, err, fault.ErrConfig)
	})
}

func TestMapRead_RequiresMapReadUsage(t *testing.T) {
	s := newTestSession(t)
	buf, err := s.CreateBuffer(compute.BufferDesc{Label: "out", Size: 4, Usage: compute.UsageStorage | compute.UsageCopySrc})
	require.NoError(t, err)

	mapped := s.MapRead(buf)
	require.NoError(t, s.PollUntilComplete(context.Background()))
	assert.ErrorIs(t, <-mapped, fault.ErrGPUExecution)
}

func TestMapRead_InjectedError(t *testing.T) {
	cause := errors.New("device lost")
	s := newTestSession(t, WithMapError(cause))
	buf, err := s.CreateBuffer(compute.BufferDesc{Label: "staging", Size: 4, Usage: compute.UsageMapRead | compute.UsageCopyDst})
	require.NoError(t, err)

	mapped := s.MapRead(buf)
	require.NoError(t, s.PollUntilComplete(context.Background()))
	err = <-mapped
	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.ErrorIs(t, err, cause)
}

func TestPollUntilComplete_ContextDeadline(t *testing.T) {
	s := newTestSession(t, WithLatency(200*time.Millisecond))
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)
	bindings, out, staging := stage(t, s, 2, []float32{1, 2, 3, 4}, []float32{1, 2, 3, 4})
	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)
	s.Submit(cmds)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.PollUntilComplete(ctx)
	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_Idempotent(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSubmit_AfterCloseIsDropped(t *testing.T) {
	s := New(nil)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	bindings, out, staging := stage(t, s, 1, []float32{2}, []float32{3})
	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { s.Submit(cmds) })
}

func TestPollUntilComplete_ReportsKernelFailure(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	bindings, out, staging := stage(t, s, 2, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})
	// The uniform claims 4×4 over 2×2 buffers.
	uniform, err := s.CreateBuffer(compute.BufferDesc{
		Label: "Size Buffer", Size: 16, Usage: compute.UsageUniform | compute.UsageCopyDst, Contents: params(4),
	})
	require.NoError(t, err)
	bindings[3].Buffer = uniform

	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)
	s.Submit(cmds)

	mapped := s.MapRead(staging)
	require.NoError(t, s.PollUntilComplete(context.Background()))
	err = <-mapped
	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.Contains(t, err.Error(), "overruns its bindings")

	_, err = s.ReadMapped(staging)
	assert.Error(t, err, "a failed dispatch leaves the staging buffer unmapped")

	// The failure is reported once.
	mapped = s.MapRead(staging)
	require.NoError(t, s.PollUntilComplete(context.Background()))
	assert.NoError(t, <-mapped)
}

func TestPollUntilComplete_KernelFailureWithoutMap(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	p, err := s.Pipeline(k)
	require.NoError(t, err)

	bindings, out, staging := stage(t, s, 2, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})
	uniform, err := s.CreateBuffer(compute.BufferDesc{
		Label: "Size Buffer", Size: 16, Usage: compute.UsageUniform | compute.UsageCopyDst, Contents: params(3),
	})
	require.NoError(t, err)
	bindings[3].Buffer = uniform

	cmds, err := s.Encode(p, bindings, [3]uint32{1, 1, 1}, compute.Copy{Src: out, Dst: staging, Size: out.Size()})
	require.NoError(t, err)
	s.Submit(cmds)

	assert.ErrorIs(t, s.PollUntilComplete(context.Background()), fault.ErrGPUExecution)
	assert.NoError(t, s.PollUntilComplete(context.Background()))
}

func TestJob_KernelFailureFailsJob(t *testing.T) {
	s := newTestSession(t)
	k, err := kernels.MatMul(16)
	require.NoError(t, err)
	k.Name = "matmul_unsupported"
	k.Op = kernels.Op(99)

	a, err := numeric.FromValues([]float32{1, 2, 3, 4}, numeric.Square(2))
	require.NoError(t, err)

	job := compute.NewJob[float32](s, k, compute.Config{})
	_, err = job.Run(context.Background(), a, a)

	assert.ErrorIs(t, err, fault.ErrGPUExecution)
	assert.Equal(t, compute.Failed, job.State())
	assert.Zero(t, s.LiveBuffers())
}
