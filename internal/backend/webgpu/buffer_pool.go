//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

const (
	// maxPooledBytes bounds the device memory held by idle buffers.
	maxPooledBytes = 256 << 20
	// maxSlack is the largest capacity/request ratio a pooled buffer may serve.
	maxSlack = 2
)

type pooledBuffer struct {
	buffer   *wgpu.Buffer
	capacity uint64
}

// PoolStats reports buffer pool usage.
type PoolStats struct {
	Allocated   uint64
	Released    uint64
	Hits        uint64
	Misses      uint64
	Pooled      int
	PooledBytes uint64
}

// BufferPool keeps output and staging buffers of finished jobs for the next job of a
// similar size. Idle buffers are grouped by their exact usage flags: a MapRead
// staging buffer never serves as a storage buffer.
type BufferPool struct {
	device *wgpu.Device

	mu    sync.Mutex
	idle  map[wgpu.BufferUsage][]pooledBuffer
	held  uint64 // Bytes in idle
	stats PoolStats
}

// NewBufferPool creates a pool that allocates on device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device, idle: make(map[wgpu.BufferUsage][]pooledBuffer)}
}

// Acquire returns the smallest idle buffer with usage that holds size bytes without
// exceeding maxSlack times size, or allocates a new one. It returns the buffer and
// its capacity.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := p.idle[usage]
	if i := bestFit(idle, size); i >= 0 {
		pb := idle[i]
		p.idle[usage] = append(idle[:i], idle[i+1:]...)
		p.held -= pb.capacity
		p.stats.Hits++
		return pb.buffer, pb.capacity
	}

	p.stats.Misses++
	p.stats.Allocated++
	buffer := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  size,
	})
	return buffer, size
}

// Release keeps buffer for reuse, or frees it when the pool is at its byte budget.
func (p *BufferPool) Release(buffer *wgpu.Buffer, capacity uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	if p.held+capacity > maxPooledBytes {
		buffer.Release()
		return
	}
	p.idle[usage] = append(p.idle[usage], pooledBuffer{buffer: buffer, capacity: capacity})
	p.held += capacity
}

// Clear frees every idle buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for usage, idle := range p.idle {
		for _, pb := range idle {
			pb.buffer.Release()
		}
		delete(p.idle, usage)
	}
	p.held = 0
}

// Stats returns a snapshot of the pool counters. A nil pool reports zeros.
func (p *BufferPool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	for _, idle := range p.idle {
		s.Pooled += len(idle)
	}
	s.PooledBytes = p.held
	return s
}

// bestFit returns the index of the smallest entry that can hold size bytes within
// the slack limit, or -1.
func bestFit(idle []pooledBuffer, size uint64) int {
	best := -1
	for i, pb := range idle {
		if pb.capacity < size || pb.capacity > size*maxSlack {
			continue
		}
		if best < 0 || pb.capacity < idle[best].capacity {
			best = i
		}
	}
	return best
}
