// Package compute orchestrates kernel dispatches on a device session: buffer staging,
// bind group wiring, command submission and the map/poll/read handshake that
// retrieves results.
package compute

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/born-ml/gemmcheck/internal/kernels"
)

// BufferUsage is a bit set of buffer usages. Values match the WebGPU flags.
type BufferUsage uint32

// Buffer usages.
const (
	UsageMapRead  BufferUsage = 0x0001
	UsageMapWrite BufferUsage = 0x0002
	UsageCopySrc  BufferUsage = 0x0004
	UsageCopyDst  BufferUsage = 0x0008
	UsageUniform  BufferUsage = 0x0040
	UsageStorage  BufferUsage = 0x0080
)

// Has reports whether all bits of other are set.
func (u BufferUsage) Has(other BufferUsage) bool { return u&other == other }

func (u BufferUsage) String() string {
	names := []struct {
		bit  BufferUsage
		name string
	}{
		{UsageMapRead, "MapRead"},
		{UsageMapWrite, "MapWrite"},
		{UsageCopySrc, "CopySrc"},
		{UsageCopyDst, "CopyDst"},
		{UsageUniform, "Uniform"},
		{UsageStorage, "Storage"},
	}
	var parts []string
	for _, n := range names {
		if u.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Limits are the device limits the host checks before staging any buffer.
type Limits struct {
	MaxBufferSize              uint64
	MaxStorageBindingSize      uint64
	MaxUniformBindingSize      uint64
	MaxWorkgroupsPerDimension  uint32
	MaxInvocationsPerWorkgroup int
}

// DefaultLimits returns the WebGPU default limits, which every adapter supports
// when a device is requested without explicit limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:              256 << 20, // 256 MiB
		MaxStorageBindingSize:      128 << 20, // 128 MiB
		MaxUniformBindingSize:      64 << 10,  // 64 KiB
		MaxWorkgroupsPerDimension:  65535,
		MaxInvocationsPerWorkgroup: kernels.MaxInvocationsPerWorkgroup,
	}
}

// AdapterInfo describes the device behind a session.
type AdapterInfo struct {
	Name        string
	Vendor      string
	Backend     string
	Description string
}

func (a AdapterInfo) String() string {
	if a.Vendor == "" {
		return a.Name
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Vendor)
}

// BufferDesc describes a device buffer. Contents, if set, are uploaded at creation
// and must be exactly Size bytes long.
type BufferDesc struct {
	Label    string
	Size     uint64
	Usage    BufferUsage
	Contents []byte
}

// Buffer is a device-resident memory region.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
}

// Pipeline is a compiled compute pipeline for one kernel.
type Pipeline interface {
	Kernel() kernels.Kernel
}

// Commands is a finished, not yet submitted command buffer.
type Commands interface {
	Release()
}

// Binding attaches a buffer to a kernel slot.
type Binding struct {
	Slot   uint32
	Kind   kernels.BindingKind
	Buffer Buffer
}

// Copy is a buffer-to-buffer copy recorded after the dispatch.
type Copy struct {
	Src  Buffer
	Dst  Buffer
	Size uint64
}

// Session wraps one device and its queue. All device resources used by a job are
// created through the session that runs it.
//
// A session runs at most one job at a time: the job holds the session lock from
// staging until its buffers are released.
type Session interface {
	sync.Locker

	// Info describes the adapter.
	Info() AdapterInfo
	// Limits returns the limits of the acquired device.
	Limits() Limits

	// CreateBuffer allocates a buffer and uploads desc.Contents if present.
	CreateBuffer(desc BufferDesc) (Buffer, error)
	// ReleaseBuffer returns a buffer to the session. The buffer must not be used afterwards.
	ReleaseBuffer(buf Buffer)

	// Pipeline returns the compiled pipeline for k, compiling it on first use.
	Pipeline(k kernels.Kernel) (Pipeline, error)
	// Encode records a dispatch with the given bindings followed by cp, in one command buffer.
	Encode(p Pipeline, bindings []Binding, workgroups [3]uint32, cp Copy) (Commands, error)
	// Submit hands commands to the queue without waiting for them.
	Submit(cmds Commands)

	// MapRead requests an asynchronous map of buf for reading. The returned channel
	// receives exactly one value once PollUntilComplete has driven the request.
	MapRead(buf Buffer) <-chan error
	// PollUntilComplete blocks until submitted work has retired and pending map
	// notifications have been delivered, or ctx is done.
	PollUntilComplete(ctx context.Context) error
	// ReadMapped returns a copy of a mapped buffer's contents.
	ReadMapped(buf Buffer) ([]byte, error)
	// Unmap releases the mapping of buf.
	Unmap(buf Buffer)

	// Close releases the device. Sessions are not usable afterwards.
	Close() error
}
