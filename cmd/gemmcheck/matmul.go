package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/app"
	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/config"
	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/reference"
	"github.com/born-ml/gemmcheck/internal/serialization"
	"github.com/born-ml/gemmcheck/internal/verify"
)

func matmulCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "matmul",
		Usage: "Multiply two random square matrices on the device and verify the product",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Aliases: []string{"n"}, Usage: "Matrix edge length"},
			&cli.IntFlag{Name: "tile", Usage: "Tile edge per workgroup"},
			&cli.BoolFlag{Name: "tiled", Usage: "Use the shared-memory tiled kernel"},
			&cli.Uint64Flag{Name: "seed", Usage: "Random seed, 0 for a random one"},
			&cli.BoolFlag{Name: "no-verify", Usage: "Skip the CPU reference"},
			&cli.Float64Flag{Name: "tolerance", Usage: "Absolute per-element tolerance"},
			&cli.BoolFlag{Name: "scaled", Usage: "Derive the tolerance from the matrix size and magnitude"},
			&cli.BoolFlag{Name: "exhaustive", Usage: "Count every mismatch instead of stopping at the first"},
			&cli.BoolFlag{Name: "oracle", Usage: "Also report the error against a float64 product"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write the product to a .gmx file"},
			&cli.IntFlag{Name: "print", Usage: "Print up to this many rows and columns of the product"},
		},
		Action: func(c *cli.Context) error {
			if err := applyMatMulFlags(c, e.cfg); err != nil {
				return err
			}
			return app.Run(c.Context, e.cfg, e.log, func(ctx context.Context, d app.Deps) error {
				return runMatMul(ctx, c.App.Writer, d, matmulOutput{printSize: c.Int("print"), oracle: c.Bool("oracle")})
			})
		},
	}
}

func applyMatMulFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("size") {
		cfg.Matrix.Size = c.Int("size")
	}
	if c.IsSet("tile") {
		cfg.Matrix.TileSize = c.Int("tile")
	}
	if c.IsSet("tiled") {
		cfg.Matrix.Tiled = c.Bool("tiled")
	}
	if c.IsSet("seed") {
		cfg.Matrix.Seed = c.Uint64("seed")
	}
	if c.Bool("no-verify") {
		enabled := false
		cfg.Verify.Enabled = &enabled
	}
	if c.IsSet("tolerance") {
		cfg.Verify.Tolerance = float32(c.Float64("tolerance"))
	}
	if c.IsSet("scaled") {
		cfg.Verify.Scaled = c.Bool("scaled")
	}
	if c.IsSet("exhaustive") {
		cfg.Verify.Exhaustive = c.Bool("exhaustive")
	}
	if c.IsSet("output") {
		cfg.Output.Path = c.String("output")
	}
	return cfg.Validate()
}

type matmulOutput struct {
	printSize int  // Rows and columns of the product to print
	oracle    bool // Report the distance to the float64 product
}

func runMatMul(ctx context.Context, w io.Writer, d app.Deps, out matmulOutput) error {
	cfg := d.Config
	log := d.Logger.Named("matmul")
	n := cfg.Matrix.Size

	rng, seed := newRand(cfg.Matrix.Seed)
	log.Info("Generating matrix data", zap.Int("size", n), zap.Uint64("seed", seed))
	a, err := numeric.NewRandomSquare(n, rng)
	if err != nil {
		return err
	}
	b, err := numeric.NewRandomSquare(n, rng)
	if err != nil {
		return err
	}

	opts := compute.MatMulOptions{TileSize: cfg.Matrix.TileSize, Tiled: cfg.Matrix.Tiled}
	kernel, err := compute.MatMulKernel(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	product, err := compute.MatMul(ctx, d.Session, a, b, opts, jobConfig(d, log))
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	gflops := 2 * float64(n) * float64(n) * float64(n) / elapsed.Seconds() / 1e9
	fmt.Fprintf(w, "%s on %s: %dx%d in %s (%.2f GFLOPS, %s per matrix)\n",
		kernel.Name, d.Session.Info(), n, n, elapsed.Round(time.Millisecond), gflops,
		humanize.IBytes(uint64(product.ByteSize()))) //nolint:gosec // G115: non-negative

	meta := serialization.Metadata{Kernel: kernel.Name, Adapter: d.Session.Info().String()}
	if cfg.VerifyEnabled() {
		res, ran, err := verifyMatMul(d, log, a, b, product)
		if err != nil {
			return err
		}
		if ran {
			fmt.Fprintf(w, "verification %s\n", res)
			meta.Verified = &res.Passed
			meta.Tolerance = res.Tolerance
			if !res.Passed {
				return cli.Exit("verification failed", 2)
			}
		}
	}

	if out.oracle {
		if err := reportOracle(w, a, b, product); err != nil {
			return err
		}
	}
	if out.printSize > 0 {
		if err := product.Format(w, out.printSize, out.printSize); err != nil {
			return err
		}
	}
	return writeOutput(w, cfg.Output.Path, product, meta)
}

func verifyMatMul(d app.Deps, log *zap.Logger, a, b, product *numeric.Buffer[float32]) (verify.Result, bool, error) {
	cfg := d.Config
	n := cfg.Matrix.Size
	if limit := cfg.Verify.MaxReferenceSize; limit > 0 && n > limit {
		log.Warn("skipping CPU reference", zap.Int("size", n), zap.Int("max_reference_size", limit))
		return verify.Result{}, false, nil
	}

	start := time.Now()
	expected, err := reference.Multiply(a, b, n)
	if err != nil {
		return verify.Result{}, false, err
	}
	log.Debug("reference computed", zap.Duration("elapsed", time.Since(start)))

	tolerance := cfg.Verify.Tolerance
	if cfg.Verify.Scaled && tolerance == 0 {
		tolerance = verify.MatMulTolerance(n, verify.MaxAbs(a, b))
	}
	v := &verify.Verifier{
		Tolerance:  tolerance,
		Exhaustive: cfg.Verify.Exhaustive,
		Logger:     log,
		Metrics:    d.Metrics,
	}
	return v.Check(expected, product), true, nil
}

// reportOracle prints the largest deviation of product from the float64 product,
// alongside the bound the scaled tolerance would allow.
func reportOracle(w io.Writer, a, b, product *numeric.Buffer[float32]) error {
	n := product.Dim().Rows
	dense, err := reference.MultiplyGonum(a, b, n)
	if err != nil {
		return err
	}
	exact, err := reference.DenseToBuffer(dense)
	if err != nil {
		return err
	}
	bound := verify.MatMulTolerance(n, verify.MaxAbs(a, b))
	res := verify.Compare(exact.Values(), product.Values(), bound, verify.Exhaustive())
	fmt.Fprintf(w, "float64 oracle: max abs diff %g, error bound %g\n", res.MaxAbsDiff, bound)
	return nil
}

func jobConfig(d app.Deps, log *zap.Logger) compute.Config {
	return compute.Config{
		PollTimeout: d.Config.Device.PollTimeout,
		Logger:      log,
		Metrics:     d.Metrics,
	}
}

// newRand returns a PCG source seeded with seed, or with a random seed when it is zero.
func newRand(seed uint64) (*rand.Rand, uint64) {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed)), seed
}

func writeOutput[T numeric.Element](w io.Writer, path string, m *numeric.Buffer[T], meta serialization.Metadata) error {
	if path == "" {
		return nil
	}
	meta.CreatedAt = time.Now().UTC()
	if err := serialization.WriteFile(path, m, meta); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s (%s)\n", path, humanize.IBytes(uint64(m.ByteSize()))) //nolint:gosec // G115: non-negative
	return nil
}
