package compute

import (
	"fmt"
	"log/slog"
	"slices"

	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/cache"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/hashing"
	"github.com/gogpu/gpures/internal/perf"
)

// Binding is one resolved kernel binding of a dispatch.
type Binding struct {
	gpucore.KernelBinding
	Resource aggregate.Resource
}

// GPUComputation dispatches a compiled kernel. Outputs are written into the
// destination range; inputs are read from the input ranges, searched in
// order for the first one holding each declared input.
type GPUComputation struct {
	label    string
	kernel   *gpucore.Kernel
	inputs   []*aggregate.Range
	outputs  buffer.Specs
	dispatch int
	elements int

	phase Phase
	bound []Binding
}

// NewGPUComputation creates a GPU computation. dispatchCount is the number
// of invocations; numElements is the element count of the destination.
func NewGPUComputation(label string, kernel *gpucore.Kernel, inputs []*aggregate.Range, outputs buffer.Specs, dispatchCount, numElements int) *GPUComputation {
	return &GPUComputation{
		label:    label,
		kernel:   kernel,
		inputs:   slices.Clone(inputs),
		outputs:  slices.Clone(outputs),
		dispatch: dispatchCount,
		elements: numElements,
	}
}

// Kind implements Computation.
func (c *GPUComputation) Kind() Kind { return KindGPU }

// Label returns the debug label.
func (c *GPUComputation) Label() string { return c.label }

// NumOutputElements implements Computation.
func (c *GPUComputation) NumOutputElements() int { return c.elements }

// AppendSpecs implements Computation.
func (c *GPUComputation) AppendSpecs(specs buffer.Specs) buffer.Specs {
	return append(specs, c.outputs...)
}

// InputRanges implements Computation.
func (c *GPUComputation) InputRanges() []*aggregate.Range { return c.inputs }

// Phase returns the computation phase.
func (c *GPUComputation) Phase() Phase { return c.phase }

// Complete implements Completer.
func (c *GPUComputation) Complete() {
	if c.phase == PhaseDispatched {
		c.phase = PhaseCompleted
	}
}

// Bound returns the bindings of the last dispatch, outputs first.
func (c *GPUComputation) Bound() []Binding { return c.bound }

// BoundResource returns the resource bound for name in the last dispatch.
func (c *GPUComputation) BoundResource(name string) (aggregate.Resource, bool) {
	for _, b := range c.bound {
		if b.Name == name {
			return b.Resource, true
		}
	}
	return aggregate.Resource{}, false
}

// resolveBindings locates every declared binding.
func (c *GPUComputation) resolveBindings(dst *aggregate.Range) ([]Binding, error) {
	bindings := make([]Binding, 0, len(c.kernel.Outputs)+len(c.kernel.Inputs))
	for _, kb := range c.kernel.Outputs {
		if !kb.Type.IsBuffer() {
			return nil, fmt.Errorf("%w: output %s is %s", ErrUnsupportedBinding, kb.Name, kb.Type)
		}
		res, ok := dst.Locate(kb.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingOutput, kb.Name)
		}
		bindings = append(bindings, Binding{KernelBinding: kb, Resource: res})
	}
	for _, kb := range c.kernel.Inputs {
		if !kb.Type.IsBuffer() {
			return nil, fmt.Errorf("%w: input %s is %s", ErrUnsupportedBinding, kb.Name, kb.Type)
		}
		var (
			res   aggregate.Resource
			found bool
		)
		for _, r := range c.inputs {
			if res, found = r.Resource(kb.Name); found {
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, kb.Name)
		}
		bindings = append(bindings, Binding{KernelBinding: kb, Resource: res})
	}
	return bindings, nil
}

// paramBlock packs the element count followed by (offset, stride,
// components) per binding, offsets and strides in units of components.
func paramBlock(numElements int, bindings []Binding) []uint32 {
	params := make([]uint32, 0, 1+3*len(bindings))
	params = append(params, uint32(numElements))
	for _, b := range bindings {
		comp := uint64(b.Resource.Tuple.Type.Component.Size())
		if comp == 0 {
			comp = 1
		}
		params = append(params,
			uint32(b.Resource.Offset/comp),
			uint32(b.Resource.Stride/comp),
			uint32(b.Resource.Tuple.Type.Components()*b.Resource.Tuple.Count),
		)
	}
	return params
}

// Execute implements Computation.
func (c *GPUComputation) Execute(dst *aggregate.Range, x Executor) error {
	if c.kernel == nil {
		return ErrNoKernel
	}
	if c.phase == PhaseCreated {
		c.phase = PhaseInputsPending
	}

	bindings, err := c.resolveBindings(dst)
	if err != nil {
		return err
	}
	constants := safeish.SliceCast[[]byte](paramBlock(c.elements, bindings))
	dev := x.Device()

	pipeline, err := resolveInstance(x.RegisterComputePipeline(hashing.CombineAll(uint64(c.kernel.ID), uint64(len(constants)))),
		func() (gpucore.ComputePipelineID, error) {
			return dev.CreateComputePipeline(gpucore.ComputePipelineDesc{
				Label:         c.kernel.Label,
				Kernel:        c.kernel,
				ConstantsSize: len(constants),
			})
		})
	if err != nil {
		return fmt.Errorf("compute: %s pipeline: %w", c.label, err)
	}

	entries := make([]gpucore.BindingEntry, len(bindings))
	key := uint64(c.kernel.ID)
	for i, b := range bindings {
		entries[i] = gpucore.BindingEntry{Binding: b.Binding, Type: b.Type, Buffer: b.Resource.Buffer}
		key = hashing.CombineAll(key, uint64(b.Binding), uint64(b.Type), uint64(b.Resource.Buffer))
	}
	resources, err := resolveInstance(x.RegisterResourceBindings(key),
		func() (gpucore.ResourceBindingsID, error) {
			return dev.CreateResourceBindings(gpucore.ResourceBindingsDesc{
				Label:   c.label,
				Kernel:  c.kernel,
				Entries: entries,
			})
		})
	if err != nil {
		return fmt.Errorf("compute: %s bindings: %w", c.label, err)
	}

	enc, err := x.Encoder()
	if err != nil {
		return err
	}
	enc.BindResources(resources)
	enc.BindPipeline(pipeline)
	enc.SetConstants(constants)
	enc.Dispatch(uint32(c.dispatch))

	for _, kb := range c.kernel.Outputs {
		dst.SetPopulated(kb.Name, true)
	}
	c.bound = bindings
	c.phase = PhaseDispatched
	x.Counters().Inc(perf.Dispatches)

	diag.Logger().Debug("compute: dispatched",
		slog.String("computation", c.label),
		slog.String("kernel", c.kernel.Label),
		slog.Int("count", c.dispatch),
	)
	return nil
}

// resolveInstance returns the cached value of inst, constructing it with
// build when inst is the first instance.
func resolveInstance[V any](inst *cache.Instance[V], build func() (V, error)) (V, error) {
	if inst.IsFirstInstance() {
		v, err := build()
		if err != nil {
			inst.Fail(err)
			return v, err
		}
		inst.SetValue(v)
	}
	return inst.Value()
}
