// Package software implements a compute session that executes kernels on the host.
//
// It follows the same contract as the WebGPU session: buffers are created with usage
// flags that are validated on every use, submitted commands run asynchronously on a
// queue goroutine, and map requests are only delivered by PollUntilComplete. It is
// always available and serves as the fallback device and as the test device.
package software

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/logger"
	"github.com/born-ml/gemmcheck/internal/parallel"
)

// queueDepth is the number of submissions that may wait for the queue goroutine.
const queueDepth = 64

// Option configures a Session.
type Option func(*Session)

// WithLimits overrides the default device limits.
func WithLimits(l compute.Limits) Option {
	return func(s *Session) { s.limits = l }
}

// WithLatency delays every submission by d before it executes.
func WithLatency(d time.Duration) Option {
	return func(s *Session) { s.latency = d }
}

// WithMapError makes every map request complete with err.
func WithMapError(err error) Option {
	return func(s *Session) { s.mapErr = err }
}

// WithParallel sets the fan-out used by kernel emulation.
func WithParallel(cfg parallel.Config) Option {
	return func(s *Session) { s.parallel = cfg }
}

// Session is a host-executed compute device.
type Session struct {
	jobMu sync.Mutex

	log      *zap.Logger
	limits   compute.Limits
	latency  time.Duration
	mapErr   error
	parallel parallel.Config

	mu          sync.Mutex
	pipelines   map[string]*pipeline
	pendingMaps []pendingMap
	execErr     error // First kernel failure since the last poll
	live        int
	closed      bool

	queue    chan *commands
	inflight sync.WaitGroup
	done     chan struct{}
}

type pendingMap struct {
	buf    *buffer
	notify chan error
}

// New creates a software session. It never fails with ErrDeviceUnavailable.
func New(log *zap.Logger, opts ...Option) *Session {
	s := &Session{
		log:       logger.OrNop(log).Named("software"),
		limits:    compute.DefaultLimits(),
		parallel:  parallel.Default(),
		pipelines: make(map[string]*pipeline),
		queue:     make(chan *commands, queueDepth),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	s.log.Info("Getting gpu ready", zap.String("adapter", s.Info().String()))
	return s
}

// Lock acquires the session for one job.
func (s *Session) Lock() { s.jobMu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.jobMu.Unlock() }

// Info describes the emulated adapter.
func (s *Session) Info() compute.AdapterInfo {
	return compute.AdapterInfo{
		Name:        "Software",
		Vendor:      "host",
		Backend:     "cpu",
		Description: fmt.Sprintf("host emulation, %d workers", s.parallel.Workers),
	}
}

// Limits returns the configured device limits.
func (s *Session) Limits() compute.Limits { return s.limits }

// LiveBuffers returns the number of buffers created and not yet released.
func (s *Session) LiveBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// CreateBuffer allocates a host-backed buffer.
func (s *Session) CreateBuffer(desc compute.BufferDesc) (compute.Buffer, error) {
	const op = "software.CreateBuffer"
	if desc.Size == 0 {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q has zero size", desc.Label)
	}
	if desc.Size > s.limits.MaxBufferSize {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q of %d bytes exceeds limit %d",
			desc.Label, desc.Size, s.limits.MaxBufferSize)
	}
	if desc.Usage.Has(compute.UsageMapRead) && desc.Usage&^(compute.UsageMapRead|compute.UsageCopyDst) != 0 {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q: MapRead may only be combined with CopyDst, got %s",
			desc.Label, desc.Usage)
	}
	if desc.Contents != nil && uint64(len(desc.Contents)) != desc.Size {
		return nil, fault.New(fault.ErrConfig, op, "buffer %q: %d content bytes for size %d",
			desc.Label, len(desc.Contents), desc.Size)
	}

	b := &buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, data: make([]byte, desc.Size)}
	copy(b.data, desc.Contents)

	s.mu.Lock()
	s.live++
	s.mu.Unlock()
	return b, nil
}

// ReleaseBuffer frees buf. Releasing a buffer with a pending map aborts the map.
func (s *Session) ReleaseBuffer(buf compute.Buffer) {
	b, ok := buf.(*buffer)
	if !ok || b == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.mapped = false
	s.live--
}

// Pipeline validates k and caches it by name.
func (s *Session) Pipeline(k kernels.Kernel) (compute.Pipeline, error) {
	const op = "software.Pipeline"
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pipelines[k.Name]; ok {
		return p, nil
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if !strings.Contains(k.Source, "fn "+k.EntryPoint+"(") {
		return nil, fault.New(fault.ErrConfig, op, "kernel %q has no entry point %q", k.Name, k.EntryPoint)
	}
	p := &pipeline{kernel: k}
	s.pipelines[k.Name] = p
	return p, nil
}

// Encode validates bindings and the copy, and records them for the queue.
func (s *Session) Encode(p compute.Pipeline, bindings []compute.Binding, workgroups [3]uint32, cp compute.Copy) (compute.Commands, error) {
	const op = "software.Encode"
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

	c := &commands{pipeline: pl, workgroups: workgroups, slots: make(map[uint32]*buffer, len(bindings))}
	for _, b := range bindings {
		buf, ok := b.Buffer.(*buffer)
		if !ok {
			return nil, fault.New(fault.ErrBindingMismatch, op, "binding %d buffer %T was not created by this session", b.Slot, b.Buffer)
		}
		c.slots[b.Slot] = buf
	}

	src, srcOK := cp.Src.(*buffer)
	dst, dstOK := cp.Dst.(*buffer)
	switch {
	case !srcOK || !dstOK:
		return nil, fault.New(fault.ErrConfig, op, "copy buffers were not created by this session")
	case !src.usage.Has(compute.UsageCopySrc):
		return nil, fault.New(fault.ErrConfig, op, "copy source %q lacks CopySrc usage", src.label)
	case !dst.usage.Has(compute.UsageCopyDst):
		return nil, fault.New(fault.ErrConfig, op, "copy destination %q lacks CopyDst usage", dst.label)
	case cp.Size > src.size || cp.Size > dst.size:
		return nil, fault.New(fault.ErrConfig, op, "copy of %d bytes overruns %q or %q", cp.Size, src.label, dst.label)
	}
	c.copySrc, c.copyDst, c.copySize = src, dst, cp.Size
	return c, nil
}

// Submit enqueues cmds. Submissions execute in order. Submissions to a closed
// session are dropped.
func (s *Session) Submit(cmds compute.Commands) {
	c, ok := cmds.(*commands)
	if !ok || c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn("submit on closed session", zap.String("kernel", c.pipeline.kernel.Name))
		return
	}
	s.inflight.Add(1)
	s.queue <- c
}

// MapRead registers a map request delivered by the next PollUntilComplete.
func (s *Session) MapRead(buf compute.Buffer) <-chan error {
	notify := make(chan error, 1)
	b, ok := buf.(*buffer)
	if !ok {
		notify <- fault.New(fault.ErrGPUExecution, "software.MapRead", "buffer %T was not created by this session", buf)
		return notify
	}
	s.mu.Lock()
	s.pendingMaps = append(s.pendingMaps, pendingMap{buf: b, notify: notify})
	s.mu.Unlock()
	return notify
}

// PollUntilComplete waits for the queue to drain, then delivers pending map notifications.
// A kernel failure since the last poll completes every pending map with that failure,
// or is returned directly when no map is pending.
func (s *Session) PollUntilComplete(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fault.Wrap(fault.ErrGPUExecution, "software.PollUntilComplete", ctx.Err())
	}

	s.mu.Lock()
	pending := s.pendingMaps
	s.pendingMaps = nil
	execErr := s.execErr
	s.execErr = nil
	s.mu.Unlock()

	if execErr != nil && len(pending) == 0 {
		return execErr
	}
	for _, pm := range pending {
		if execErr != nil {
			pm.notify <- execErr
			continue
		}
		pm.notify <- s.completeMap(pm.buf)
	}
	return nil
}

func (s *Session) completeMap(b *buffer) error {
	const op = "software.MapRead"
	if s.mapErr != nil {
		return fault.Wrap(fault.ErrGPUExecution, op, s.mapErr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case b.released:
		return fault.New(fault.ErrGPUExecution, op, "buffer %q was released before the map completed", b.label)
	case !b.usage.Has(compute.UsageMapRead):
		return fault.New(fault.ErrGPUExecution, op, "buffer %q lacks MapRead usage", b.label)
	case b.mapped:
		return fault.New(fault.ErrGPUExecution, op, "buffer %q is already mapped", b.label)
	}
	b.mapped = true
	return nil
}

// ReadMapped copies the contents of a mapped buffer.
func (s *Session) ReadMapped(buf compute.Buffer) ([]byte, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, fault.New(fault.ErrGPUExecution, "software.ReadMapped", "buffer %T was not created by this session", buf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !b.mapped {
		return nil, fault.New(fault.ErrGPUExecution, "software.ReadMapped", "buffer %q is not mapped", b.label)
	}
	return append([]byte(nil), b.data...), nil
}

// Unmap releases the mapping of buf.
func (s *Session) Unmap(buf compute.Buffer) {
	if b, ok := buf.(*buffer); ok {
		s.mu.Lock()
		b.mapped = false
		s.mu.Unlock()
	}
}

// Close stops the queue goroutine after in-flight work drains.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for c := range s.queue {
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		s.execute(c)
		s.inflight.Done()
	}
}

// execute runs the dispatch, then the copy. Commands in one submission are ordered,
// so the copy observes every write of the dispatch. A failed dispatch skips the copy
// and is reported by the next poll.
func (s *Session) execute(c *commands) {
	k := c.pipeline.kernel
	if err := runKernel(k, c.slots, c.workgroups, s.parallel); err != nil {
		s.log.Error("kernel execution failed", zap.String("kernel", k.Name), zap.Error(err))
		s.mu.Lock()
		if s.execErr == nil {
			s.execErr = fault.Wrap(fault.ErrGPUExecution, "software.execute", fmt.Errorf("kernel %q: %w", k.Name, err))
		}
		s.mu.Unlock()
		return
	}
	copy(c.copyDst.data[:c.copySize], c.copySrc.data[:c.copySize])
}
