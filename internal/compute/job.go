package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/dispatch"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
	"github.com/born-ml/gemmcheck/internal/logger"
	"github.com/born-ml/gemmcheck/internal/metrics"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// Config holds per-job settings.
type Config struct {
	// Scalar is written to the params uniform for kernels that read one.
	Scalar float32
	// PollTimeout bounds the completion poll. Zero means wait for the context only.
	PollTimeout time.Duration
	// Logger receives lifecycle transitions. Nil disables logging.
	Logger *zap.Logger
	// Metrics records transitions and outcomes. Nil disables metrics.
	Metrics *metrics.Metrics
}

// Job runs one kernel dispatch end to end:
//
//	Initialized → BuffersStaged → Submitted → AwaitingReadback → Completed
//
// Any failure moves the job to Failed. A job is single-use; a retry needs a new Job.
type Job[T numeric.Element] struct {
	session Session
	kernel  kernels.Kernel
	cfg     Config
	log     *zap.Logger

	state   State
	err     error
	locked  bool
	started time.Time

	plan     dispatch.Plan
	outDim   numeric.Dim
	staged   StagedBuffers
	cmds     Commands
	mapped   <-chan error
	readable bool
	result   *numeric.Buffer[T]
}

// NewJob creates a job that runs kernel on session.
func NewJob[T numeric.Element](session Session, kernel kernels.Kernel, cfg Config) *Job[T] {
	return &Job[T]{
		session: session,
		kernel:  kernel,
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger).Named("job").With(zap.String("kernel", kernel.Name)),
		state:   Initialized,
	}
}

// State returns the current lifecycle state.
func (j *Job[T]) State() State { return j.state }

// Err returns the error that moved the job to Failed, if any.
func (j *Job[T]) Err() error { return j.err }

// Plan returns the dispatch plan. Valid once buffers are staged.
func (j *Job[T]) Plan() dispatch.Plan { return j.plan }

// Staged returns the buffers owned by the job. Empty before staging and after release.
func (j *Job[T]) Staged() StagedBuffers { return j.staged }

// Result returns the output buffer of a completed job.
func (j *Job[T]) Result() (*numeric.Buffer[T], error) {
	if j.state != Completed {
		return nil, fault.New(fault.ErrInvalidState, "compute.Result", "job is %s", j.state)
	}
	return j.result, nil
}

// Run drives the job through every state and returns the output buffer.
func (j *Job[T]) Run(ctx context.Context, inputs ...*numeric.Buffer[T]) (*numeric.Buffer[T], error) {
	if err := j.Stage(inputs...); err != nil {
		return nil, err
	}
	if err := j.Submit(); err != nil {
		return nil, err
	}
	if err := j.AwaitReadback(ctx); err != nil {
		return nil, err
	}
	if err := j.Complete(); err != nil {
		return nil, err
	}
	return j.result, nil
}

// Stage validates the inputs against the kernel and the device limits, then allocates
// input, output, uniform and staging buffers. Every size check happens before the
// first allocation.
func (j *Job[T]) Stage(inputs ...*numeric.Buffer[T]) error {
	const op = "compute.Stage"
	if err := j.expect(op, Initialized); err != nil {
		return err
	}
	j.started = time.Now()

	problem, err := j.validate(inputs)
	if err != nil {
		return j.fail(err)
	}

	limits := j.session.Limits()
	plan, err := dispatch.ComputeWithLimit(problem, j.kernel.TileSize, j.kernel.Axes, limits.MaxWorkgroupsPerDimension)
	if err != nil {
		return j.fail(err)
	}
	if n := j.kernel.Invocations(); n > limits.MaxInvocationsPerWorkgroup {
		return j.fail(fault.New(fault.ErrConfig, op,
			"kernel uses %d invocations per workgroup, device limit is %d", n, limits.MaxInvocationsPerWorkgroup))
	}
	j.plan = plan

	outSize := uint64(j.outDim.Len()) * uint64(j.kernel.Element.Size()) //nolint:gosec // G115: positive by validate
	for i, in := range inputs {
		if err := checkStorageSize(op, fmt.Sprintf("input %d", i), uint64(in.ByteSize()), limits); err != nil { //nolint:gosec // G115: non-negative
			return j.fail(err)
		}
	}
	if err := checkStorageSize(op, "output", outSize, limits); err != nil {
		return j.fail(err)
	}

	j.session.Lock()
	j.locked = true

	j.log.Info("Creating buffers",
		zap.Int("problem_size", problem),
		zap.String("output", humanize.IBytes(outSize)))

	inputUsage := UsageStorage | UsageCopyDst
	j.staged.InputA, err = j.create("A Buffer", uint64(inputs[0].ByteSize()), inputUsage, inputs[0].ToBytes()) //nolint:gosec // G115: non-negative
	if err != nil {
		return j.fail(err)
	}
	if len(inputs) > 1 {
		j.staged.InputB, err = j.create("B Buffer", uint64(inputs[1].ByteSize()), inputUsage, inputs[1].ToBytes()) //nolint:gosec // G115: non-negative
		if err != nil {
			return j.fail(err)
		}
	}
	j.staged.Output, err = j.create("Output Buffer", outSize, UsageStorage|UsageCopySrc, nil)
	if err != nil {
		return j.fail(err)
	}
	params := encodeParams(uint32(problem), j.cfg.Scalar) //nolint:gosec // G115: bounded by dispatch limits
	j.staged.Uniform, err = j.create("Size Buffer", uniformSize, UsageUniform|UsageCopyDst, params)
	if err != nil {
		return j.fail(err)
	}
	j.staged.Staging, err = j.create("Staging Buffer", outSize, UsageMapRead|UsageCopyDst, nil)
	if err != nil {
		return j.fail(err)
	}

	j.cfg.Metrics.SetStagedBytes(j.staged.TotalBytes())
	j.transition(BuffersStaged)
	return nil
}

// Submit binds the staged buffers to the kernel's slots, records the dispatch followed
// by the output-to-staging copy, and submits without waiting.
func (j *Job[T]) Submit() error {
	const op = "compute.Submit"
	if err := j.expect(op, BuffersStaged); err != nil {
		return err
	}

	bindings := j.bindings()
	if err := CheckBindings(j.kernel, bindings); err != nil {
		return j.fail(err)
	}

	pipeline, err := j.session.Pipeline(j.kernel)
	if err != nil {
		return j.fail(err)
	}

	j.log.Info("Start submitting commands to GPU")
	j.log.Debug("Dispatched",
		zap.Uint32("x", j.plan.Workgroups[0]),
		zap.Uint32("y", j.plan.Workgroups[1]),
		zap.Uint32("z", j.plan.Workgroups[2]))

	cmds, err := j.session.Encode(pipeline, bindings, j.plan.Workgroups, Copy{
		Src:  j.staged.Output,
		Dst:  j.staged.Staging,
		Size: j.staged.Output.Size(),
	})
	if err != nil {
		return j.fail(err)
	}
	j.cmds = cmds
	j.session.Submit(cmds)

	j.transition(Submitted)
	return nil
}

// AwaitReadback requests the staging map and blocks in the completion poll until the
// device confirms the staging buffer is readable. A backend error or a timeout fails
// the job with ErrGPUExecution.
func (j *Job[T]) AwaitReadback(ctx context.Context) error {
	const op = "compute.AwaitReadback"
	if err := j.expect(op, Submitted); err != nil {
		return err
	}
	if j.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.PollTimeout)
		defer cancel()
	}

	j.mapped = j.session.MapRead(j.staged.Staging)
	j.transition(AwaitingReadback)

	if err := j.session.PollUntilComplete(ctx); err != nil {
		return j.fail(gpuFailure(op, err))
	}

	select {
	case err := <-j.mapped:
		if err != nil {
			return j.fail(gpuFailure(op, err))
		}
	case <-ctx.Done():
		return j.fail(gpuFailure(op, ctx.Err()))
	}
	j.readable = true

	j.log.Info("GPU completed all commands")
	return nil
}

// Complete reads the mapped staging buffer, decodes it and releases every staged buffer.
func (j *Job[T]) Complete() error {
	const op = "compute.Complete"
	if err := j.expect(op, AwaitingReadback); err != nil {
		return err
	}
	if !j.readable {
		return j.fail(fault.New(fault.ErrInvalidState, op, "staging buffer was never confirmed readable"))
	}

	data, err := j.session.ReadMapped(j.staged.Staging)
	if err != nil {
		return j.fail(gpuFailure(op, err))
	}
	j.session.Unmap(j.staged.Staging)

	result, err := numeric.FromBytes[T](data, j.outDim)
	if err != nil {
		return j.fail(err)
	}
	j.result = result

	j.readable = false
	j.releaseResources()
	j.transition(Completed)
	j.cfg.Metrics.ObserveJob(j.kernel.Name, true, time.Since(j.started))
	if j.kernel.Op == kernels.OpMatMul {
		j.cfg.Metrics.ObserveMatMul(j.outDim.Rows, time.Since(j.started))
	}
	return nil
}

// Close releases the resources of a job abandoned before reaching a terminal state.
// It is a no-op on finished jobs.
func (j *Job[T]) Close() {
	if j.state.Terminal() {
		return
	}
	_ = j.fail(fault.New(fault.ErrInvalidState, "compute.Close", "job abandoned in state %s", j.state))
}

func (j *Job[T]) validate(inputs []*numeric.Buffer[T]) (int, error) {
	const op = "compute.Stage"
	if err := j.kernel.Validate(); err != nil {
		return 0, err
	}
	if et := numeric.TypeOf[T](); et != j.kernel.Element {
		return 0, fault.New(fault.ErrConfig, op, "kernel expects %s elements, got %s", j.kernel.Element, et)
	}
	if len(inputs) != j.kernel.Inputs {
		return 0, fault.New(fault.ErrConfig, op, "kernel expects %d inputs, got %d", j.kernel.Inputs, len(inputs))
	}
	for i, in := range inputs {
		if in == nil || in.Len() == 0 {
			return 0, fault.New(fault.ErrConfig, op, "input %d is empty", i)
		}
	}

	first := inputs[0].Dim()
	switch j.kernel.Op {
	case kernels.OpMatMul:
		for i, in := range inputs {
			if !in.Dim().IsSquare() || in.Dim() != first {
				return 0, fault.New(fault.ErrConfig, op,
					"matmul needs equal square matrices, input %d is %s and input 0 is %s", i, in.Dim(), first)
			}
		}
		j.outDim = first
		return first.Rows, nil
	default:
		for i, in := range inputs {
			if in.Len() != inputs[0].Len() {
				return 0, fault.New(fault.ErrConfig, op,
					"elementwise kernel needs equal lengths, input %d has %d and input 0 has %d", i, in.Len(), inputs[0].Len())
			}
		}
		j.outDim = first
		return inputs[0].Len(), nil
	}
}

func checkStorageSize(op, what string, size uint64, limits Limits) error {
	if size > limits.MaxBufferSize {
		return fault.New(fault.ErrConfig, op, "%s needs %s, device buffer limit is %s",
			what, humanize.IBytes(size), humanize.IBytes(limits.MaxBufferSize))
	}
	if size > limits.MaxStorageBindingSize {
		return fault.New(fault.ErrConfig, op, "%s needs %s, storage binding limit is %s",
			what, humanize.IBytes(size), humanize.IBytes(limits.MaxStorageBindingSize))
	}
	return nil
}

func (j *Job[T]) create(label string, size uint64, usage BufferUsage, contents []byte) (Buffer, error) {
	buf, err := j.session.CreateBuffer(BufferDesc{Label: label, Size: size, Usage: usage, Contents: contents})
	if err != nil {
		return nil, err
	}
	j.log.Debug("buffer created",
		zap.String("label", label),
		zap.String("size", humanize.IBytes(size)),
		zap.Stringer("usage", usage))
	return buf, nil
}

// bindings follows the fixed host/kernel contract: inputs at 0 and 1, output at 2,
// params at 3.
func (j *Job[T]) bindings() []Binding {
	out := []Binding{{Slot: kernels.SlotInputA, Kind: kernels.ReadOnlyStorage, Buffer: j.staged.InputA}}
	if j.staged.InputB != nil {
		out = append(out, Binding{Slot: kernels.SlotInputB, Kind: kernels.ReadOnlyStorage, Buffer: j.staged.InputB})
	}
	return append(out,
		Binding{Slot: kernels.SlotOutput, Kind: kernels.Storage, Buffer: j.staged.Output},
		Binding{Slot: kernels.SlotParams, Kind: kernels.Uniform, Buffer: j.staged.Uniform},
	)
}

// CheckBindings verifies that bindings cover the kernel layout exactly, slot by slot
// and kind by kind, and that every buffer carries the usage its kind requires.
func CheckBindings(k kernels.Kernel, bindings []Binding) error {
	const op = "compute.CheckBindings"
	seen := make(map[uint32]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.Slot] {
			return fault.New(fault.ErrBindingMismatch, op, "slot %d bound twice", b.Slot)
		}
		seen[b.Slot] = true

		slot, ok := k.Slot(b.Slot)
		if !ok {
			return fault.New(fault.ErrBindingMismatch, op, "kernel %q declares no binding %d", k.Name, b.Slot)
		}
		if slot.Kind != b.Kind {
			return fault.New(fault.ErrBindingMismatch, op,
				"kernel %q expects %s at binding %d, host supplies %s", k.Name, slot.Kind, b.Slot, b.Kind)
		}
		if b.Buffer == nil {
			return fault.New(fault.ErrBindingMismatch, op, "binding %d has no buffer", b.Slot)
		}
		need := UsageStorage
		if b.Kind == kernels.Uniform {
			need = UsageUniform
		}
		if !b.Buffer.Usage().Has(need) {
			return fault.New(fault.ErrBindingMismatch, op,
				"buffer %q at binding %d has usage %s, needs %s", b.Buffer.Label(), b.Slot, b.Buffer.Usage(), need)
		}
	}
	for _, s := range k.Layout {
		if !seen[s.Binding] {
			return fault.New(fault.ErrBindingMismatch, op, "kernel %q binding %d is not bound", k.Name, s.Binding)
		}
	}
	return nil
}

func gpuFailure(op string, err error) error {
	if fault.KindOf(err) == fault.ErrGPUExecution {
		return err
	}
	return fault.Wrap(fault.ErrGPUExecution, op, err)
}

func (j *Job[T]) expect(op string, want State) error {
	if j.state != want {
		return fault.New(fault.ErrInvalidState, op, "job is %s, expected %s", j.state, want)
	}
	return nil
}

func (j *Job[T]) transition(to State) {
	j.log.Debug("transition", zap.Stringer("from", j.state), zap.Stringer("to", to))
	j.state = to
	j.cfg.Metrics.ObserveTransition(j.kernel.Name, to.String())
}

func (j *Job[T]) fail(err error) error {
	j.releaseResources()
	j.err = err
	from := j.state
	j.state = Failed
	j.cfg.Metrics.ObserveTransition(j.kernel.Name, Failed.String())
	j.cfg.Metrics.ObserveJob(j.kernel.Name, false, time.Since(j.started))
	j.log.Error("job failed", zap.Stringer("from", from), zap.Error(err))
	return err
}

func (j *Job[T]) releaseResources() {
	if j.cmds != nil {
		j.cmds.Release()
		j.cmds = nil
	}
	j.staged.release(j.session)
	if j.locked {
		j.locked = false
		j.session.Unlock()
	}
}
