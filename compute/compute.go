// Package compute defines the schedulable units that derive attribute data:
// CPU computations that resolve like buffer sources, GPU computations that
// dispatch a kernel against aggregated ranges, and copy computations that
// move attributes between ranges on the device.
//
// Computations never block. CPU computations poll their inputs through
// [buffer.Source.Resolve]; GPU and copy computations are executed by the
// registry during commit, after every range they read has been uploaded.
package compute

import (
	"errors"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/cache"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

// Computation errors.
var (
	// ErrUnsupportedBinding is returned when a kernel declares a non-buffer
	// binding.
	ErrUnsupportedBinding = errors.New("compute: unsupported binding type")

	// ErrMissingOutput is returned when the destination range lacks a
	// declared output, or a CPU kernel did not produce one.
	ErrMissingOutput = errors.New("compute: missing output")

	// ErrMissingInput is returned when no input range holds a declared input.
	ErrMissingInput = errors.New("compute: missing input")

	// ErrUnknownOutput is returned when a kernel sets an undeclared output.
	ErrUnknownOutput = errors.New("compute: unknown output")

	// ErrNoKernel is returned when a GPU computation has no kernel.
	ErrNoKernel = errors.New("compute: no kernel")
)

// Kind is the closed set of computation variants.
type Kind uint8

// Computation kinds.
const (
	KindCPU Kind = iota
	KindGPU
	KindCopy
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	case KindCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// Phase is the state of a computation.
type Phase uint8

// Phases. CPU computations go Created, InputsPending, Resolved (or Error).
// GPU computations go Created, InputsPending, Dispatched, Completed.
const (
	PhaseCreated Phase = iota
	PhaseInputsPending
	PhaseDispatched
	PhaseCompleted
	PhaseResolved
	PhaseError
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseInputsPending:
		return "inputsPending"
	case PhaseDispatched:
		return "dispatched"
	case PhaseCompleted:
		return "completed"
	case PhaseResolved:
		return "resolved"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Computation is executed by the registry against a destination range
// during commit.
type Computation interface {
	// Kind reports the variant.
	Kind() Kind

	// Execute records the work against dst. It is called once per commit,
	// after every input range was uploaded, from the commit goroutine.
	Execute(dst *aggregate.Range, x Executor) error

	// NumOutputElements is the element count dst must hold.
	NumOutputElements() int

	// AppendSpecs appends the specs the computation writes into dst.
	AppendSpecs(specs buffer.Specs) buffer.Specs

	// InputRanges returns the ranges the computation reads.
	InputRanges() []*aggregate.Range
}

// Completer is implemented by computations that track submission.
type Completer interface {
	Complete()
}

// Executor is the registry side of computation execution.
type Executor interface {
	// Device returns the device to record against.
	Device() gpucore.Device

	// RegisterComputePipeline returns the pipeline instance for key.
	RegisterComputePipeline(key uint64) *cache.Instance[gpucore.ComputePipelineID]

	// RegisterResourceBindings returns the bindings instance for key.
	RegisterResourceBindings(key uint64) *cache.Instance[gpucore.ResourceBindingsID]

	// Encoder returns the open compute encoder of the current queue.
	Encoder() (gpucore.ComputeEncoder, error)

	// Barrier submits recorded dispatches so that following device copies
	// observe their results.
	Barrier() error

	// Counters returns the perf counters, or nil.
	Counters() *perf.Counters

	// Diagnostics returns the sink for diagnostics, or nil.
	Diagnostics() diag.Sink
}
