//go:build windows

// Package webgpu implements the compute session on a WebGPU device.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
package webgpu

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/logger"
)

// Session owns one WebGPU device and its queue.
type Session struct {
	jobMu sync.Mutex

	log      *zap.Logger
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     compute.AdapterInfo
	limits   compute.Limits

	// Shader and pipeline cache, keyed by kernel name
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*pipeline
	mu        sync.Mutex

	pool *BufferPool

	pendingMu   sync.Mutex
	pendingMaps []pendingMap
}

type pendingMap struct {
	buf    *buffer
	notify chan error
}

// Acquire requests a high-performance adapter and a device with default limits.
// A missing native library or adapter yields ErrDeviceUnavailable.
func Acquire(ctx context.Context, log *zap.Logger) (compute.Session, error) {
	log = logger.OrNop(log).Named("webgpu")
	log.Info("Getting gpu ready")

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := acquire(log)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		log.Info("device acquired", zap.Stringer("adapter", r.s.info), zap.String("backend", r.s.info.Backend))
		return r.s, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, "webgpu.Acquire", ctx.Err())
	}
}

func acquire(log *zap.Logger) (s *Session, err error) {
	const op = "webgpu.Acquire"
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fault.New(fault.ErrDeviceUnavailable, op, "native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, op, err)
	}

	info := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, op, err)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fault.New(fault.ErrDeviceUnavailable, op, "device has no queue")
	}

	return &Session{
		log:       log,
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		info:      adapterInfo(&info),
		limits:    compute.DefaultLimits(),
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*pipeline),
		pool:      NewBufferPool(device),
	}, nil
}

func adapterInfo(info *wgpu.AdapterInfo) compute.AdapterInfo {
	return compute.AdapterInfo{
		Name:        info.Device,
		Vendor:      info.Vendor,
		Backend:     fmt.Sprint(info.BackendType),
		Description: info.Description,
	}
}

// ListAdapters returns the default adapter. WebGPU has no adapter enumeration.
func ListAdapters() (adapters []compute.AdapterInfo, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			adapters = nil
			err = fault.New(fault.ErrDeviceUnavailable, "webgpu.ListAdapters", "native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return nil, fault.Wrap(fault.ErrDeviceUnavailable, "webgpu.ListAdapters", err)
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	return []compute.AdapterInfo{adapterInfo(&info)}, nil
}

// Lock acquires the session for one job.
func (s *Session) Lock() { s.jobMu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.jobMu.Unlock() }

// Info describes the adapter.
func (s *Session) Info() compute.AdapterInfo { return s.info }

// Limits returns the default WebGPU limits the device was requested with.
func (s *Session) Limits() compute.Limits { return s.limits }

// PoolStats returns the buffer pool statistics.
func (s *Session) PoolStats() PoolStats { return s.pool.Stats() }

// CreateBuffer allocates a device buffer. Buffers with contents are created mapped
// and filled before unmapping; others come from the buffer pool.
func (s *Session) CreateBuffer(desc compute.BufferDesc) (compute.Buffer, error) {
	const op = "webgpu.CreateBuffer"
	if desc.Size == 0 || desc.Size > s.limits.MaxBufferSize {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q of %d bytes is outside (0, %d]",
			desc.Label, desc.Size, s.limits.MaxBufferSize)
	}
	if desc.Contents != nil && uint64(len(desc.Contents)) != desc.Size {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q: %d content bytes for size %d",
			desc.Label, len(desc.Contents), desc.Size)
	}
	usage := toWGPU(desc.Usage)

	if desc.Contents == nil {
		raw, capacity := s.pool.Acquire(desc.Size, usage)
		if raw == nil {
			return nil, fault.New(fault.ErrGPUExecution, op, "device refused buffer %q", desc.Label)
		}
		return &buffer{raw: raw, label: desc.Label, size: desc.Size, capacity: capacity, usage: desc.Usage, pooled: true}, nil
	}

	raw := s.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             desc.Size,
		MappedAtCreation: wgpu.True,
	})
	if raw == nil {
		return nil, fault.New(fault.ErrGPUExecution, op, "device refused buffer %q", desc.Label)
	}
	mappedPtr := raw.GetMappedRange(0, desc.Size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), desc.Size), desc.Contents)
	raw.Unmap()

	return &buffer{raw: raw, label: desc.Label, size: desc.Size, usage: desc.Usage}, nil
}

// ReleaseBuffer returns pooled buffers to the pool and releases the rest. A buffer
// whose map is still in flight is released once the map call returns.
func (s *Session) ReleaseBuffer(buf compute.Buffer) {
	b, ok := buf.(*buffer)
	if !ok || b == nil {
		return
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if b.released {
		return
	}
	b.released = true

	if b.mapping != nil {
		select {
		case <-b.mapping:
		default:
			go func() {
				<-b.mapping
				s.pendingMu.Lock()
				defer s.pendingMu.Unlock()
				s.release(b)
			}()
			return
		}
	}
	s.release(b)
}

// release frees b. pendingMu must be held.
func (s *Session) release(b *buffer) {
	if b.mapped {
		b.raw.Unmap()
		b.mapped = false
	}
	if b.pooled && s.pool != nil {
		s.pool.Release(b.raw, b.capacity, toWGPU(b.usage))
		return
	}
	b.raw.Release()
}

// Pipeline compiles k once and caches the pipeline by kernel name.
func (s *Session) Pipeline(k kernels.Kernel) (compute.Pipeline, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[k.Name]; ok {
		return p, nil
	}

	shader, ok := s.shaders[k.Name]
	if !ok {
		shader = s.device.CreateShaderModuleWGSL(k.Source)
		if shader == nil {
			return nil, fault.New(fault.ErrConfig, "webgpu.Pipeline", "kernel %q failed to compile", k.Name)
		}
		s.shaders[k.Name] = shader
	}

	// Auto layout: the bind group layout is derived from the shader.
	raw := s.device.CreateComputePipelineSimple(nil, shader, k.EntryPoint)
	if raw == nil {
		return nil, fault.New(fault.ErrConfig, "webgpu.Pipeline", "kernel %q has no usable entry point %q", k.Name, k.EntryPoint)
	}
	p := &pipeline{raw: raw, kernel: k}
	s.pipelines[k.Name] = p
	s.log.Debug("pipeline compiled", zap.String("kernel", k.Name))
	return p, nil
}

// Encode records the compute pass followed by the copy in one command buffer.
func (s *Session) Encode(p compute.Pipeline, bindings []compute.Binding, workgroups [3]uint32, cp compute.Copy) (compute.Commands, error) {
	const op = "webgpu.Encode"
	pl, ok := p.(*pipeline)
	if !ok {
		return nil, fault.New(fault.ErrBindingMismatch, op, "pipeline %T was not created by this session", p)
	}
	if err := compute.CheckBindings(pl.kernel, bindings); err != nil {
		return nil, err
	}
	for i, n := range workgroups {
		if n == 0 || n > s.limits.MaxWorkgroupsPerDimension {
			return nil, fault.New(fault.ErrConfig, op, "axis %d dispatches %d workgroups, limit is %d",
				i, n, s.limits.MaxWorkgroupsPerDimension)
		}
	}
	src, srcOK := cp.Src.(*buffer)
	dst, dstOK := cp.Dst.(*buffer)
	if !srcOK || !dstOK || !src.usage.Has(compute.UsageCopySrc) || !dst.usage.Has(compute.UsageCopyDst) {
		return nil, fault.New(fault.ErrConfig, op, "copy needs a CopySrc source and a CopyDst destination")
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
	for _, b := range bindings {
		buf, ok := b.Buffer.(*buffer)
		if !ok {
			return nil, fault.New(fault.ErrBindingMismatch, op, "binding %d buffer %T was not created by this session", b.Slot, b.Buffer)
		}
		entries = append(entries, wgpu.BufferBindingEntry(b.Slot, buf.raw, 0, buf.size))
	}

	layout := pl.raw.GetBindGroupLayout(0)
	bindGroup := s.device.CreateBindGroupSimple(layout, entries)
	if bindGroup == nil {
		return nil, fault.New(fault.ErrBindingMismatch, op, "device rejected the bind group for kernel %q", pl.kernel.Name)
	}

	encoder := s.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pl.raw)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(workgroups[0], workgroups[1], workgroups[2])
	pass.End()
	encoder.CopyBufferToBuffer(src.raw, 0, dst.raw, 0, cp.Size)

	return &commands{raw: encoder.Finish(nil), bindGroup: bindGroup}, nil
}

// Submit hands the command buffer to the queue.
func (s *Session) Submit(cmds compute.Commands) {
	c, ok := cmds.(*commands)
	if !ok || c == nil || c.raw == nil {
		return
	}
	s.queue.Submit(c.raw)
}

// MapRead registers a map request, driven by the next PollUntilComplete.
func (s *Session) MapRead(buf compute.Buffer) <-chan error {
	notify := make(chan error, 1)
	b, ok := buf.(*buffer)
	if !ok {
		notify <- fault.New(fault.ErrGPUExecution, "webgpu.MapRead", "buffer %T was not created by this session", buf)
		return notify
	}
	if !b.usage.Has(compute.UsageMapRead) {
		notify <- fault.New(fault.ErrGPUExecution, "webgpu.MapRead", "buffer %q is not mappable for reading", b.label)
		return notify
	}
	s.pendingMu.Lock()
	s.pendingMaps = append(s.pendingMaps, pendingMap{buf: b, notify: notify})
	s.pendingMu.Unlock()
	return notify
}

// PollUntilComplete maps every pending buffer. Mapping waits for the submitted work
// that writes the buffer, so the queue is drained once it returns.
func (s *Session) PollUntilComplete(ctx context.Context) error {
	s.pendingMu.Lock()
	pending := s.pendingMaps
	s.pendingMaps = nil
	for _, pm := range pending {
		pm.buf.mapping = make(chan struct{})
	}
	s.pendingMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, pm := range pending {
			err := s.mapRead(pm.buf)
			close(pm.buf.mapping)
			pm.notify <- err
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.ErrGPUExecution, "webgpu.PollUntilComplete", ctx.Err())
	}
}

func (s *Session) mapRead(b *buffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.ErrGPUExecution, "webgpu.MapRead", "map of %q panicked: %v", b.label, r)
		}
	}()
	if err := b.raw.MapAsync(s.device, wgpu.MapModeRead, 0, b.size); err != nil {
		return fault.Wrap(fault.ErrGPUExecution, "webgpu.MapRead", fmt.Errorf("map %q: %w", b.label, err))
	}
	s.pendingMu.Lock()
	b.mapped = true
	s.pendingMu.Unlock()
	return nil
}

// ReadMapped copies the mapped range of buf.
func (s *Session) ReadMapped(buf compute.Buffer) ([]byte, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, fault.New(fault.ErrGPUExecution, "webgpu.ReadMapped", "buffer %T was not created by this session", buf)
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if !b.mapped || b.released {
		return nil, fault.New(fault.ErrGPUExecution, "webgpu.ReadMapped", "buffer %q is not mapped", b.label)
	}
	mappedPtr := b.raw.GetMappedRange(0, b.size)
	if mappedPtr == nil {
		return nil, fault.New(fault.ErrGPUExecution, "webgpu.ReadMapped", "buffer %q has no mapped range", b.label)
	}
	out := make([]byte, b.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(out, unsafe.Slice((*byte)(mappedPtr), b.size))
	return out, nil
}

// Unmap releases the mapping of buf.
func (s *Session) Unmap(buf compute.Buffer) {
	b, ok := buf.(*buffer)
	if !ok {
		return
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if b.mapped && !b.released {
		b.raw.Unmap()
		b.mapped = false
	}
}

// Close releases every cached object and the device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.pool != nil {
		s.pool.Clear()
		s.pool = nil
	}
	for _, p := range s.pipelines {
		p.raw.Release()
	}
	s.pipelines = nil
	for _, sh := range s.shaders {
		sh.Release()
	}
	s.shaders = nil

	if s.queue != nil {
		s.queue.Release()
		s.queue = nil
	}
	if s.device != nil {
		s.device.Release()
		s.device = nil
	}
	if s.adapter != nil {
		s.adapter.Release()
		s.adapter = nil
	}
	if s.instance != nil {
		s.instance.Release()
		s.instance = nil
	}
	return nil
}

type buffer struct {
	raw      *wgpu.Buffer
	label    string
	size     uint64 // Requested size, used for bindings and maps
	capacity uint64 // Allocated size of a pooled buffer
	usage    compute.BufferUsage
	pooled   bool

	// Guarded by Session.pendingMu
	mapping  chan struct{} // Closed when the last map call returned
	mapped   bool
	released bool
}

func (b *buffer) Label() string              { return b.label }
func (b *buffer) Size() uint64               { return b.size }
func (b *buffer) Usage() compute.BufferUsage { return b.usage }

type pipeline struct {
	raw    *wgpu.ComputePipeline
	kernel kernels.Kernel
}

func (p *pipeline) Kernel() kernels.Kernel { return p.kernel }

type commands struct {
	raw       *wgpu.CommandBuffer
	bindGroup *wgpu.BindGroup
}

func (c *commands) Release() {
	if c.bindGroup != nil {
		c.bindGroup.Release()
		c.bindGroup = nil
	}
}

// toWGPU converts usage bits. compute.BufferUsage uses the WebGPU bit values.
func toWGPU(u compute.BufferUsage) wgpu.BufferUsage {
	return wgpu.BufferUsage(u)
}
