// Package verify compares device output against a host reference.
package verify

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/gemmcheck/internal/logger"
	"github.com/born-ml/gemmcheck/internal/metrics"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// DefaultTolerance is the absolute per-element tolerance used when none is configured.
const DefaultTolerance float32 = 1e-3

// unitRoundoff is the float32 unit roundoff, 2^-24.
const unitRoundoff = 1.0 / (1 << 24)

// Result is the outcome of a comparison.
type Result struct {
	Passed        bool
	FirstMismatch int // -1 when every element is within tolerance
	Expected      float32
	Actual        float32
	Diff          float32
	Mismatches    int     // Counted past the first mismatch only in exhaustive mode
	MaxAbsDiff    float32 // Over every compared element in exhaustive mode
	Tolerance     float32
	Compared      int
	ShapeMismatch bool // Expected and actual differ in length or shape
}

func (r Result) String() string {
	if r.Passed {
		return fmt.Sprintf("passed: %d elements within %g (max diff %g)", r.Compared, r.Tolerance, r.MaxAbsDiff)
	}
	if r.ShapeMismatch && r.Mismatches == 0 {
		return fmt.Sprintf("failed: shape mismatch after %d elements", r.FirstMismatch)
	}
	return fmt.Sprintf("failed at index %d: expected %g, got %g (diff %g > %g); %d mismatches",
		r.FirstMismatch, r.Expected, r.Actual, r.Diff, r.Tolerance, r.Mismatches)
}

// Option configures Compare.
type Option func(*options)

type options struct {
	exhaustive bool
}

// Exhaustive scans every element instead of stopping at the first mismatch.
func Exhaustive() Option {
	return func(o *options) { o.exhaustive = true }
}

// Compare reports the first index where |expected[i] - actual[i]| exceeds tolerance.
// NaN never compares within tolerance. When the lengths differ the comparison fails at
// the shorter length.
func Compare(expected, actual []float32, tolerance float32, opts ...Option) Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res := Result{Passed: true, FirstMismatch: -1, Tolerance: tolerance}
	n := min(len(expected), len(actual))
	for i := 0; i < n; i++ {
		res.Compared++
		diff := float32(math.Abs(float64(expected[i]) - float64(actual[i])))
		if diff <= tolerance {
			continue
		}
		res.Mismatches++
		if res.Passed {
			res.Passed = false
			res.FirstMismatch = i
			res.Expected, res.Actual, res.Diff = expected[i], actual[i], diff
			if !o.exhaustive {
				return res
			}
		}
	}
	if o.exhaustive || res.Passed {
		res.MaxAbsDiff = maxAbsDiff(expected[:n], actual[:n])
	}
	if len(expected) != len(actual) {
		res.ShapeMismatch = true
		if res.Passed {
			res.Passed = false
			res.FirstMismatch = n
		}
	}
	return res
}

// maxAbsDiff is the infinity-norm distance between the two slices.
func maxAbsDiff(expected, actual []float32) float32 {
	if len(expected) == 0 {
		return 0
	}
	return float32(floats.Distance(widen(expected), widen(actual), math.Inf(1)))
}

func widen(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// MatMulTolerance returns the tolerance for a float32 inner product of length k whose
// inputs are bounded in magnitude by maxAbs: the forward error bound γ_k·k·maxAbs²
// with γ_k = kε/(1-kε), floored at DefaultTolerance.
func MatMulTolerance(k int, maxAbs float32) float32 {
	if k <= 0 {
		return DefaultTolerance
	}
	ke := float64(k) * unitRoundoff
	if ke >= 1 {
		return float32(math.Inf(1))
	}
	gamma := ke / (1 - ke)
	m := float64(maxAbs)
	bound := gamma * float64(k) * m * m
	return float32(math.Max(float64(DefaultTolerance), bound))
}

// MaxAbs returns the largest element magnitude over every buffer.
func MaxAbs(buffers ...*numeric.Buffer[float32]) float32 {
	var m float64
	for _, b := range buffers {
		values := b.Values()
		for _, v := range values {
			m = math.Max(m, math.Abs(float64(v)))
		}
	}
	return float32(m)
}

// Verifier checks device buffers against reference buffers and records the outcome.
type Verifier struct {
	Tolerance  float32
	Exhaustive bool
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Check compares actual against expected element-wise.
func (v *Verifier) Check(expected, actual *numeric.Buffer[float32]) Result {
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	var opts []Option
	if v.Exhaustive {
		opts = append(opts, Exhaustive())
	}

	res := Compare(expected.Values(), actual.Values(), tol, opts...)
	if expected.Dim() != actual.Dim() && !res.ShapeMismatch {
		res.ShapeMismatch = true
		if res.Passed {
			res.Passed = false
			res.FirstMismatch = res.Compared
		}
	}

	log := logger.OrNop(v.Logger).Named("verify")
	if res.Passed {
		log.Info("verification passed",
			zap.Int("elements", res.Compared),
			zap.Float32("tolerance", tol),
			zap.Float32("max_abs_diff", res.MaxAbsDiff))
	} else {
		log.Warn("verification failed",
			zap.Int("index", res.FirstMismatch),
			zap.Float32("expected", res.Expected),
			zap.Float32("actual", res.Actual),
			zap.Float32("tolerance", tol))
	}
	v.Metrics.ObserveVerification(res.Passed)
	return res
}
