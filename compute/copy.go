package compute

import (
	"fmt"
	"slices"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

// CopyComputation copies named attributes from a source range into the
// destination range on the device. It is used to migrate ranges whose
// signature or usage changed. The source range is retained until Execute.
type CopyComputation struct {
	src   *aggregate.Range
	specs buffer.Specs
	done  bool
}

// NewCopyComputation creates a copy of specs from src. Attributes src does
// not hold are skipped.
func NewCopyComputation(src *aggregate.Range, specs buffer.Specs) *CopyComputation {
	src.Retain()
	return &CopyComputation{src: src, specs: slices.Clone(specs)}
}

// Kind implements Computation.
func (c *CopyComputation) Kind() Kind { return KindCopy }

// NumOutputElements implements Computation.
func (c *CopyComputation) NumOutputElements() int { return c.src.NumElements() }

// AppendSpecs implements Computation.
func (c *CopyComputation) AppendSpecs(specs buffer.Specs) buffer.Specs {
	return append(specs, c.specs...)
}

// InputRanges implements Computation.
func (c *CopyComputation) InputRanges() []*aggregate.Range { return []*aggregate.Range{c.src} }

// Discard drops the reference to the source range of a copy that will not
// execute.
func (c *CopyComputation) Discard() {
	if !c.done {
		c.done = true
		c.src.Release()
	}
}

// Execute implements Computation.
func (c *CopyComputation) Execute(dst *aggregate.Range, x Executor) error {
	if c.done {
		return nil
	}
	defer func() {
		c.done = true
		c.src.Release()
	}()

	// Copies must observe every dispatch recorded so far.
	if err := x.Barrier(); err != nil {
		return err
	}

	var (
		copies []gpucore.BufferCopy
		names  []string
	)
	for _, spec := range c.specs {
		from, ok := c.src.Resource(spec.Name)
		if !ok {
			continue
		}
		to, ok := dst.Locate(spec.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingOutput, spec.Name)
		}
		if from.Tuple != to.Tuple {
			return fmt.Errorf("%w: %s is %s, destination is %s", buffer.ErrTypeMismatch, spec.Name, from.Tuple, to.Tuple)
		}
		n := min(from.NumElements, to.NumElements)
		if n == 0 {
			continue
		}
		size := uint64(from.Tuple.Size())
		if from.Stride == size && to.Stride == size {
			copies = append(copies, gpucore.BufferCopy{
				Src: from.Buffer, Dst: to.Buffer,
				SrcOffset: from.Offset, DstOffset: to.Offset,
				Size: uint64(n) * size,
			})
		} else {
			for i := range uint64(n) {
				copies = append(copies, gpucore.BufferCopy{
					Src: from.Buffer, Dst: to.Buffer,
					SrcOffset: from.Offset + i*from.Stride, DstOffset: to.Offset + i*to.Stride,
					Size: size,
				})
			}
		}
		names = append(names, spec.Name)
	}
	if len(copies) == 0 {
		return nil
	}
	if err := x.Device().CopyBuffer(copies); err != nil {
		return fmt.Errorf("compute: copy range: %w", err)
	}
	for _, name := range names {
		dst.SetPopulated(name, true)
	}
	x.Counters().Add(perf.CopyGPUToGPU, uint64(len(copies)))
	return nil
}
