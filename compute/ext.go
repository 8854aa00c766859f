package compute

import (
	"slices"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/gpucore"
)

// ComputationInput names an output of another ext computation used as an
// input.
type ComputationInput struct {
	// Name is the input name seen by the kernel.
	Name string

	// Source is the id of the producing computation.
	Source string

	// Output is the producing computation's output name.
	Output string
}

// ExtComputation describes a scene ext computation: what it reads, what it
// produces and how it runs. A computation with a Kernel runs on the GPU;
// one with a CPUKernel runs on the CPU; one with neither passes its inputs
// through.
type ExtComputation struct {
	ID string

	Kernel    *gpucore.Kernel
	CPUKernel CPUKernel

	// DispatchCount is the number of kernel invocations. Zero means
	// ElementCount.
	DispatchCount int

	// ElementCount is the number of output elements.
	ElementCount int

	SceneInputs       []string
	ComputationInputs []ComputationInput
	Outputs           buffer.Specs
}

// IsGPU reports whether the computation runs a device kernel.
func (e *ExtComputation) IsGPU() bool { return e.Kernel != nil }

// IsPassThrough reports whether the computation has no kernel at all.
func (e *ExtComputation) IsPassThrough() bool { return e.Kernel == nil && e.CPUKernel == nil }

// Dispatch returns the effective dispatch count.
func (e *ExtComputation) Dispatch() int {
	if e.DispatchCount > 0 {
		return e.DispatchCount
	}
	return e.ElementCount
}

// InputNames returns scene and computation input names in declaration order.
func (e *ExtComputation) InputNames() []string {
	names := slices.Clone(e.SceneInputs)
	for _, ci := range e.ComputationInputs {
		names = append(names, ci.Name)
	}
	return names
}
