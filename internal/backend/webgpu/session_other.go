//go:build !windows

// Package webgpu implements the compute session on a WebGPU device.
// The go-webgpu bindings load wgpu_native on Windows only; other platforms report
// the device as unavailable and callers fall back to the software session.
package webgpu

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/logger"
)

// Acquire always fails with ErrDeviceUnavailable on this platform.
func Acquire(_ context.Context, log *zap.Logger) (compute.Session, error) {
	logger.OrNop(log).Named("webgpu").Info("Getting gpu ready")
	return nil, fault.New(fault.ErrDeviceUnavailable, "webgpu.Acquire", "WebGPU is not supported on %s", runtime.GOOS)
}

// ListAdapters always fails with ErrDeviceUnavailable on this platform.
func ListAdapters() ([]compute.AdapterInfo, error) {
	return nil, fault.New(fault.ErrDeviceUnavailable, "webgpu.ListAdapters", "WebGPU is not supported on %s", runtime.GOOS)
}
