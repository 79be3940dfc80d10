// Package dispatch computes workgroup counts for compute kernel launches.
package dispatch

import (
	"fmt"

	"github.com/born-ml/gemmcheck/internal/fault"
)

// MaxWorkgroupsPerDimension is the WebGPU default ceiling on workgroups per dispatch axis.
const MaxWorkgroupsPerDimension = 65535

// DefaultTileSize is the matrix tile edge used when none is configured.
const DefaultTileSize = 16

// Plan describes one kernel launch.
type Plan struct {
	ProblemSize int       // Elements per tiled axis (matrix edge or vector length)
	TileSize    int       // Elements per workgroup along each tiled axis
	Workgroups  [3]uint32 // Workgroup counts for x, y, z
}

// Compute returns a one-dimensional plan: ceil(problemSize/tileSize) workgroups along x.
// A tile size of 1 yields one workgroup per element.
func Compute(problemSize, tileSize int) (Plan, error) {
	return compute(problemSize, tileSize, 1)
}

// Compute2D returns a plan that tiles both the row and the column axis; z is always 1.
func Compute2D(problemSize, tileSize int) (Plan, error) {
	return compute(problemSize, tileSize, 2)
}

// ComputeWithLimit is Compute/Compute2D with a device-specific ceiling.
func ComputeWithLimit(problemSize, tileSize, axes int, limit uint32) (Plan, error) {
	p, err := compute(problemSize, tileSize, axes)
	if err != nil {
		return p, err
	}
	for i, n := range p.Workgroups {
		if n > limit {
			return Plan{}, fault.New(fault.ErrConfig, "dispatch.Compute",
				"axis %d needs %d workgroups, device limit is %d", i, n, limit)
		}
	}
	return p, nil
}

func compute(problemSize, tileSize, axes int) (Plan, error) {
	if problemSize <= 0 {
		return Plan{}, fault.New(fault.ErrConfig, "dispatch.Compute", "problem size must be positive, got %d", problemSize)
	}
	if tileSize <= 0 {
		return Plan{}, fault.New(fault.ErrConfig, "dispatch.Compute", "tile size must be positive, got %d", tileSize)
	}
	if axes < 1 || axes > 3 {
		return Plan{}, fault.New(fault.ErrConfig, "dispatch.Compute", "axes must be 1 to 3, got %d", axes)
	}

	count := (problemSize + tileSize - 1) / tileSize
	if count > MaxWorkgroupsPerDimension {
		return Plan{}, fault.New(fault.ErrConfig, "dispatch.Compute",
			"%d workgroups exceed the limit of %d (problem size %d, tile size %d)",
			count, MaxWorkgroupsPerDimension, problemSize, tileSize)
	}

	p := Plan{
		ProblemSize: problemSize,
		TileSize:    tileSize,
		Workgroups:  [3]uint32{1, 1, 1},
	}
	for i := 0; i < axes; i++ {
		p.Workgroups[i] = uint32(count) //nolint:gosec // bounded by MaxWorkgroupsPerDimension
	}
	return p, nil
}

// Invocations returns the total number of kernel invocations along x and y,
// given the per-workgroup thread count on each axis.
func (p Plan) Invocations(threadsX, threadsY int) (x, y int) {
	return int(p.Workgroups[0]) * threadsX, int(p.Workgroups[1]) * threadsY
}

func (p Plan) String() string {
	return fmt.Sprintf("%d %d %d", p.Workgroups[0], p.Workgroups[1], p.Workgroups[2])
}
