package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/urfave/cli/v2"

	"github.com/born-ml/gemmcheck/internal/app"
	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/reference"
	"github.com/born-ml/gemmcheck/internal/serialization"
	"github.com/born-ml/gemmcheck/internal/verify"
)

var vectorFlags = []cli.Flag{
	&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Value: 10000, Usage: "Vector length"},
	&cli.Uint64Flag{Name: "seed", Usage: "Random seed, 0 for a random one"},
	&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write the result to a .gmx file"},
	&cli.IntFlag{Name: "print", Usage: "Print up to this many elements of the result"},
}

func vecaddCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "vecadd",
		Usage: "Add two random vectors on the device and compare with the host",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "float", Usage: "Add f32 vectors instead of u32"},
		}, vectorFlags...),
		Action: func(c *cli.Context) error {
			return app.Run(c.Context, e.cfg, e.log, func(ctx context.Context, d app.Deps) error {
				rng, _ := newRand(c.Uint64("seed"))
				dim := numeric.Vector(c.Int("length"))
				if c.Bool("float") {
					v := &verify.Verifier{Tolerance: d.Config.Verify.Tolerance, Logger: d.Logger.Named("vecadd"), Metrics: d.Metrics}
					check := func(expected, actual *numeric.Buffer[float32]) bool {
						res := v.Check(expected, actual)
						fmt.Fprintf(c.App.Writer, "verification %s\n", res)
						return res.Passed
					}
					return runVectorAdd(ctx, c, d, dim, rng, compute.VectorAddFloat32, check, kernels.VectorAdd())
				}
				// Integer addition is exact.
				check := func(expected, actual *numeric.Buffer[uint32]) bool {
					passed := actual.Equal(expected)
					d.Metrics.ObserveVerification(passed)
					fmt.Fprintf(c.App.Writer, "verification exact match %t over %d elements\n", passed, actual.Len())
					return passed
				}
				return runVectorAdd(ctx, c, d, dim, rng, compute.VectorAdd, check, kernels.VectorAddUint32())
			})
		},
	}
}

type addFunc[T numeric.Element] func(context.Context, compute.Session, *numeric.Buffer[T], *numeric.Buffer[T], compute.Config) (*numeric.Buffer[T], error)

func runVectorAdd[T numeric.Element](ctx context.Context, c *cli.Context, d app.Deps, dim numeric.Dim, rng *rand.Rand,
	add addFunc[T], check func(expected, actual *numeric.Buffer[T]) bool, k kernels.Kernel,
) error {
	log := d.Logger.Named("vecadd")
	a, err := numeric.NewRandom[T](dim, rng)
	if err != nil {
		return err
	}
	b, err := numeric.NewRandom[T](dim, rng)
	if err != nil {
		return err
	}

	sum, err := add(ctx, d.Session, a, b, jobConfig(d, log))
	if err != nil {
		return err
	}
	expected, err := reference.VectorAdd(a, b)
	if err != nil {
		return err
	}
	if !check(expected, sum) {
		return cli.Exit("verification failed", 2)
	}
	return finishVector(c.App.Writer, c, sum, k, d)
}

func scaleCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "scale",
		Usage: "Multiply a random f32 vector by a scalar on the device",
		Flags: append([]cli.Flag{
			&cli.Float64Flag{Name: "scalar", Value: 2, Usage: "Factor applied to every element"},
		}, vectorFlags...),
		Action: func(c *cli.Context) error {
			return app.Run(c.Context, e.cfg, e.log, func(ctx context.Context, d app.Deps) error {
				log := d.Logger.Named("scale")
				rng, _ := newRand(c.Uint64("seed"))
				scalar := float32(c.Float64("scalar"))

				a, err := numeric.NewRandom[float32](numeric.Vector(c.Int("length")), rng)
				if err != nil {
					return err
				}
				scaled, err := compute.ScalarMultiply(ctx, d.Session, a, scalar, jobConfig(d, log))
				if err != nil {
					return err
				}
				expected, err := reference.ScalarMultiply(a, scalar)
				if err != nil {
					return err
				}

				v := &verify.Verifier{Tolerance: d.Config.Verify.Tolerance, Logger: log, Metrics: d.Metrics}
				res := v.Check(expected, scaled)
				fmt.Fprintf(c.App.Writer, "verification %s\n", res)
				if !res.Passed {
					return cli.Exit("verification failed", 2)
				}
				return finishVector(c.App.Writer, c, scaled, kernels.ScalarMul(), d)
			})
		},
	}
}

func finishVector[T numeric.Element](w io.Writer, c *cli.Context, m *numeric.Buffer[T], k kernels.Kernel, d app.Deps) error {
	if limit := c.Int("print"); limit > 0 {
		if err := m.Format(w, 1, limit); err != nil {
			return err
		}
	}
	passed := true
	meta := serialization.Metadata{Kernel: k.Name, Adapter: d.Session.Info().String(), Verified: &passed}
	return writeOutput(w, c.String("output"), m, meta)
}
