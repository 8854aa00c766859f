package compute

import (
	"fmt"
	"slices"
	"sync/atomic"

	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/internal/hashing"
)

// Inputs is the resolved input list handed to a CPU kernel.
type Inputs []buffer.Source

// Get returns the input named name.
func (in Inputs) Get(name string) (buffer.Source, bool) {
	for _, s := range in {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Outputs collects the results of a CPU kernel, indexed by the position of
// each output in the declared spec list.
type Outputs struct {
	specs buffer.Specs
	index map[string]int
	data  [][]byte
	count []int
	set   []bool
}

// Set stores n tuples of raw data for the output name.
func (o *Outputs) Set(name string, data []byte, n int) error {
	i, ok := o.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	if want := n * o.specs[i].Tuple.Size(); len(data) != want {
		return fmt.Errorf("%w: %s has %d bytes, want %d", buffer.ErrElementCount, name, len(data), want)
	}
	o.data[i] = data
	o.count[i] = n
	o.set[i] = true
	return nil
}

// SetOutput stores typed values for the output name.
func SetOutput[E buffer.Element](o *Outputs, name string, values []E) error {
	i, ok := o.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	spec := o.specs[i]
	if got := buffer.ElementTypeOf[E](); got != spec.Tuple.Type {
		return fmt.Errorf("%w: %s declared %s, kernel produced %s", buffer.ErrTypeMismatch, name, spec.Tuple.Type, got)
	}
	if len(values)%spec.Tuple.Count != 0 {
		return fmt.Errorf("%w: %s", buffer.ErrElementCount, name)
	}
	return o.Set(name, safeish.SliceCast[[]byte](values), len(values)/spec.Tuple.Count)
}

// CPUKernel computes outputs from resolved inputs.
type CPUKernel func(in Inputs, out *Outputs) error

// CPUComputation is a source that runs a Go kernel once all of its inputs
// resolved. Its outputs are exposed as dependent sources through
// OutputSource. If any input fails or the kernel fails, every output is
// errored.
type CPUComputation struct {
	buffer.Resolution

	name    string
	inputs  []buffer.Source
	outputs buffer.Specs
	index   map[string]int
	kernel  CPUKernel

	polled  atomic.Bool
	results *Outputs
	hash    uint64
}

// NewCPUComputation creates a CPU computation. Output names are interned to
// their position in outputs.
func NewCPUComputation(name string, inputs []buffer.Source, outputs buffer.Specs, kernel CPUKernel) *CPUComputation {
	index := make(map[string]int, len(outputs))
	for i, spec := range outputs {
		index[spec.Name] = i
	}
	return &CPUComputation{
		name:    name,
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
		index:   index,
		kernel:  kernel,
	}
}

// Kind returns KindCPU.
func (c *CPUComputation) Kind() Kind { return KindCPU }

// Name implements buffer.Source.
func (c *CPUComputation) Name() string { return c.name }

// IsValid implements buffer.Source.
func (c *CPUComputation) IsValid() bool { return c.kernel != nil && len(c.outputs) > 0 }

// Dependencies implements buffer.Dependent.
func (c *CPUComputation) Dependencies() []buffer.Source { return c.inputs }

// Phase returns the computation phase.
func (c *CPUComputation) Phase() Phase {
	switch c.State() {
	case buffer.StateResolved:
		return PhaseResolved
	case buffer.StateError:
		return PhaseError
	}
	if c.polled.Load() {
		return PhaseInputsPending
	}
	return PhaseCreated
}

// OutputIndex returns the interned index of an output name.
func (c *CPUComputation) OutputIndex(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Resolve implements buffer.Source. It returns false while inputs are
// pending and runs the kernel exactly once.
func (c *CPUComputation) Resolve() bool {
	if c.IsResolved() {
		return true
	}
	ready, failed := buffer.DependenciesResolved(c.inputs)
	if !ready {
		for _, in := range c.inputs {
			if !in.State().Terminal() {
				in.Resolve()
			}
		}
		ready, failed = buffer.DependenciesResolved(c.inputs)
	}
	if !ready {
		c.polled.Store(true)
		return false
	}
	if !c.TryLock() {
		return c.IsResolved()
	}
	if failed {
		c.fail(buffer.ErrUpstreamFailed)
		return true
	}

	out := &Outputs{
		specs: c.outputs,
		index: c.index,
		data:  make([][]byte, len(c.outputs)),
		count: make([]int, len(c.outputs)),
		set:   make([]bool, len(c.outputs)),
	}
	if err := c.kernel(Inputs(c.inputs), out); err != nil {
		c.fail(err)
		return true
	}
	for i, ok := range out.set {
		if !ok {
			c.fail(fmt.Errorf("%w: %s", ErrMissingOutput, c.outputs[i].Name))
			return true
		}
	}

	h := hashing.String(c.name)
	for _, in := range c.inputs {
		h = hashing.Combine(h, in.Hash())
	}
	c.hash = h
	c.results = out
	c.SetResolved()
	return true
}

func (c *CPUComputation) fail(err error) {
	c.SetError(fmt.Errorf("compute: %s: %w", c.name, err))
}

// Data implements buffer.Source. A computation has no data of its own.
func (c *CPUComputation) Data() []byte { return nil }

// Tuple implements buffer.Source.
func (c *CPUComputation) Tuple() buffer.TupleType { return buffer.TupleType{} }

// NumElements implements buffer.Source.
func (c *CPUComputation) NumElements() int { return 0 }

// AppendSpecs implements buffer.Source.
func (c *CPUComputation) AppendSpecs(specs buffer.Specs) buffer.Specs {
	return append(specs, c.outputs...)
}

// Hash implements buffer.Source.
func (c *CPUComputation) Hash() uint64 { return c.hash }

// OutputSource returns the source for output name. It panics if name is not
// a declared output.
func (c *CPUComputation) OutputSource(name string) buffer.Source {
	i, ok := c.index[name]
	if !ok {
		panic(fmt.Sprintf("compute: %s has no output %q", c.name, name))
	}
	return &outputSource{comp: c, index: i}
}

// outputSource exposes one output of a CPU computation.
type outputSource struct {
	comp  *CPUComputation
	index int
}

func (s *outputSource) spec() buffer.Spec { return s.comp.outputs[s.index] }

func (s *outputSource) Name() string                  { return s.spec().Name }
func (s *outputSource) IsValid() bool                 { return s.comp.IsValid() }
func (s *outputSource) Dependencies() []buffer.Source { return []buffer.Source{s.comp} }
func (s *outputSource) State() buffer.State           { return s.comp.State() }
func (s *outputSource) Tuple() buffer.TupleType       { return s.spec().Tuple }

func (s *outputSource) Resolve() bool { return s.comp.Resolve() }

func (s *outputSource) Err() error { return s.comp.Err() }

func (s *outputSource) Data() []byte {
	if s.comp.State() != buffer.StateResolved {
		diag.Error(nil, "", s.Name(), buffer.ErrNotResolved)
		return nil
	}
	return s.comp.results.data[s.index]
}

func (s *outputSource) NumElements() int {
	if s.comp.State() != buffer.StateResolved {
		return 0
	}
	return s.comp.results.count[s.index]
}

func (s *outputSource) AppendSpecs(specs buffer.Specs) buffer.Specs {
	return append(specs, s.spec())
}

func (s *outputSource) Hash() uint64 {
	return hashing.Combine(s.comp.Hash(), uint64(s.index))
}
