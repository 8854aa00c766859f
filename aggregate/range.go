package aggregate

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

// Range errors.
var (
	// ErrInvalidRange is returned for operations on the invalid range.
	ErrInvalidRange = errors.New("aggregate: range is invalid")

	// ErrNotAssigned is returned when a range has no storage yet.
	ErrNotAssigned = errors.New("aggregate: range has no storage")

	// ErrUnknownAttribute is returned for names outside the range signature.
	ErrUnknownAttribute = errors.New("aggregate: attribute not in range signature")

	// ErrTypeMismatch is returned when a source tuple differs from the spec.
	ErrTypeMismatch = errors.New("aggregate: source type does not match spec")

	// ErrRangeTooLarge is returned when one range exceeds the block limit of
	// its layout.
	ErrRangeTooLarge = errors.New("aggregate: range exceeds block size limit")

	// ErrInvalidSpec is returned for specs with an invalid tuple type.
	ErrInvalidSpec = errors.New("aggregate: invalid buffer spec")
)

// Resource is the location of one attribute of one range: the buffer, the
// byte offset of the range's first element, and the stride between elements.
// It is a snapshot; relocation repoints the range, and a Resource taken
// before relocation keeps describing the old location.
type Resource struct {
	// Name is the attribute name.
	Name string

	// Tuple is the attribute tuple type.
	Tuple buffer.TupleType

	// Array is the owning aggregate.
	Array *Array

	// Buffer is the device buffer holding the attribute.
	Buffer gpucore.BufferID

	// Offset is the byte offset of the range's first element.
	Offset uint64

	// Stride is the byte distance between consecutive elements.
	Stride uint64

	// NumElements is the number of elements of the range.
	NumElements int

	// AllocationSize is the byte size of Buffer.
	AllocationSize uint64
}

// Extent returns the half-open byte span the range occupies in Buffer.
func (r Resource) Extent() (start, end uint64) {
	if r.NumElements == 0 {
		return r.Offset, r.Offset
	}
	return r.Offset, r.Offset + uint64(r.NumElements-1)*r.Stride + uint64(r.Tuple.Size())
}

// String returns a debug description.
func (r Resource) String() string {
	start, end := r.Extent()
	return fmt.Sprintf("%s %s buffer=%d [%d,%d) stride=%d", r.Name, r.Tuple, r.Buffer, start, end, r.Stride)
}

// Range is a logical row range inside an aggregate: a set of elements owned
// by one primitive or computation, sharing one element ordering across every
// attribute of its signature.
//
// Placement fields are guarded by the lock of the array the range currently
// belongs to.
type Range struct {
	registry *Registry
	specs    buffer.Specs
	hint     UsageHint

	array   atomic.Pointer[Array]
	refs    atomic.Int32
	version atomic.Uint64

	// Guarded by array.mu.
	start       int
	allocated   int
	numElements int
	assigned    bool
	released    bool
	populated   map[string]bool
	owner       string
}

// lock locks and returns the array r belongs to, or nil.
func (r *Range) lock() *Array {
	for {
		a := r.array.Load()
		if a == nil {
			return nil
		}
		a.mu.Lock()
		if r.array.Load() == a {
			return a
		}
		a.mu.Unlock()
	}
}

// IsValid reports whether r participates in an aggregate. The invalid range
// returned for empty requests is never valid.
func (r *Range) IsValid() bool { return r != nil && r.registry != nil }

// IsAssigned reports whether r has storage.
func (r *Range) IsAssigned() bool {
	a := r.lock()
	if a == nil {
		return false
	}
	defer a.mu.Unlock()
	return r.assigned
}

// Specs returns the range signature.
func (r *Range) Specs() buffer.Specs { return r.specs }

// Usage returns the usage hint the range was allocated with.
func (r *Range) Usage() UsageHint { return r.hint }

// NumElements returns the requested number of elements.
func (r *Range) NumElements() int {
	a := r.lock()
	if a == nil {
		return 0
	}
	defer a.mu.Unlock()
	return r.numElements
}

// Offset returns the element offset of r inside its array.
func (r *Range) Offset() int {
	a := r.lock()
	if a == nil {
		return 0
	}
	defer a.mu.Unlock()
	return r.start
}

// Capacity returns the number of elements reserved for r in storage.
func (r *Range) Capacity() int {
	a := r.lock()
	if a == nil {
		return 0
	}
	defer a.mu.Unlock()
	return r.allocated
}

// Resize requests n elements. Growing beyond the reserved slot schedules a
// reallocation of the array at the next commit; shrinking keeps the slot.
func (r *Range) Resize(n int) {
	if n < 0 {
		n = 0
	}
	a := r.lock()
	if a == nil {
		return
	}
	defer a.mu.Unlock()
	if n == r.numElements {
		return
	}
	r.numElements = n
	if !r.assigned || n > r.allocated {
		a.needsReallocation = true
	} else {
		a.needsCompaction = true
	}
}

// Strategy returns the strategy r was allocated from, or nil for the
// invalid range.
func (r *Range) Strategy() *Strategy {
	if !r.IsValid() {
		return nil
	}
	return r.registry.strategy
}

// Version returns a counter incremented whenever r is relocated.
func (r *Range) Version() uint64 { return r.version.Load() }

// Array returns the aggregate r belongs to, or nil.
func (r *Range) Array() *Array { return r.array.Load() }

// IsAggregatedWith reports whether r and other share an aggregate.
func (r *Range) IsAggregatedWith(other *Range) bool {
	if other == nil {
		return false
	}
	a := r.array.Load()
	return a != nil && a == other.array.Load()
}

// SetOwner records a debug name for the owner of r, used in diagnostics.
func (r *Range) SetOwner(owner string) {
	a := r.lock()
	if a == nil {
		return
	}
	defer a.mu.Unlock()
	r.owner = owner
}

// Owner returns the owner recorded with SetOwner.
func (r *Range) Owner() string {
	a := r.lock()
	if a == nil {
		return ""
	}
	defer a.mu.Unlock()
	return r.owner
}

// Retain adds a reference.
func (r *Range) Retain() {
	if r.IsValid() {
		r.refs.Add(1)
	}
}

// Release drops a reference. Dropping the last one releases the range: its
// elements are reclaimed by the next garbage collection, which may compact
// the array.
func (r *Range) Release() {
	if !r.IsValid() || r.refs.Add(-1) != 0 {
		return
	}
	a := r.lock()
	if a == nil {
		return
	}
	r.released = true
	a.needsCompaction = true
	a.mu.Unlock()
	r.registry.strategy.notifyRelease()
}

// RefCount returns the number of references.
func (r *Range) RefCount() int { return int(r.refs.Load()) }

// IsReleased reports whether the last reference was dropped.
func (r *Range) IsReleased() bool {
	if !r.IsValid() {
		return true
	}
	return r.refs.Load() <= 0
}

// resourceLocked builds the resource for m. Called with a.mu held.
func (r *Range) resourceLocked(a *Array, m member) Resource {
	buf := a.storage.bufferFor(m.spec.Name)
	stride := a.layout.strideOf(m)
	return Resource{
		Name:           m.spec.Name,
		Tuple:          m.spec.Tuple,
		Array:          a,
		Buffer:         buf,
		Offset:         uint64(r.start)*stride + m.offset,
		Stride:         stride,
		NumElements:    r.numElements,
		AllocationSize: a.storage.sizes[buf],
	}
}

// Resource returns the resource for name. Only attributes holding committed
// data are exposed.
func (r *Range) Resource(name string) (Resource, bool) {
	a := r.lock()
	if a == nil {
		return Resource{}, false
	}
	defer a.mu.Unlock()
	if !r.assigned || a.storage == nil || !r.populated[name] {
		return Resource{}, false
	}
	m, ok := a.layout.find(name)
	if !ok {
		return Resource{}, false
	}
	return r.resourceLocked(a, m), true
}

// Locate returns the resource for name whether or not it holds data. GPU
// computations use it to find their output locations.
func (r *Range) Locate(name string) (Resource, bool) {
	a := r.lock()
	if a == nil {
		return Resource{}, false
	}
	defer a.mu.Unlock()
	if !r.assigned || a.storage == nil {
		return Resource{}, false
	}
	m, ok := a.layout.find(name)
	if !ok {
		return Resource{}, false
	}
	return r.resourceLocked(a, m), true
}

// Resources returns the resources holding committed data, in signature order.
func (r *Range) Resources() []Resource {
	a := r.lock()
	if a == nil {
		return nil
	}
	defer a.mu.Unlock()
	if !r.assigned || a.storage == nil {
		return nil
	}
	var out []Resource
	for _, m := range a.layout.members {
		if r.populated[m.spec.Name] {
			out = append(out, r.resourceLocked(a, m))
		}
	}
	return out
}

// SetPopulated marks name as holding committed data or not.
func (r *Range) SetPopulated(name string, populated bool) {
	a := r.lock()
	if a == nil {
		return
	}
	defer a.mu.Unlock()
	if populated {
		if r.populated == nil {
			r.populated = make(map[string]bool)
		}
		r.populated[name] = true
		return
	}
	delete(r.populated, name)
}

// IsPopulated reports whether name holds committed data.
func (r *Range) IsPopulated(name string) bool {
	a := r.lock()
	if a == nil {
		return false
	}
	defer a.mu.Unlock()
	return r.populated[name]
}

// CopyData stages the resolved data of src into r. At most NumElements
// elements are copied; missing trailing elements keep their previous
// content.
func (r *Range) CopyData(src buffer.Source) error {
	if !r.IsValid() {
		return ErrInvalidRange
	}
	a := r.lock()
	if a == nil {
		return ErrNotAssigned
	}
	defer a.mu.Unlock()
	if !r.assigned || a.storage == nil {
		return ErrNotAssigned
	}
	m, ok := a.layout.find(src.Name())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttribute, src.Name())
	}
	if src.Tuple() != m.spec.Tuple {
		return fmt.Errorf("%w: %s is %s, source is %s", ErrTypeMismatch, m.spec.Name, m.spec.Tuple, src.Tuple())
	}

	n := min(src.NumElements(), r.numElements)
	tupleSize := m.spec.Tuple.Size()
	data := src.Data()
	if len(data) < n*tupleSize {
		n = len(data) / tupleSize
	}
	stage := a.strategy.staging
	buf := a.storage.bufferFor(m.spec.Name)
	stride := a.layout.strideOf(m)

	if !a.layout.kind.Interleaved() {
		if err := stage.write(buf, uint64(r.start)*stride, data[:n*tupleSize]); err != nil {
			return err
		}
	} else {
		// Arrays in std140 pad every array element; scatter tuple by tuple.
		count := m.spec.Tuple.Count
		elemSize := m.spec.Tuple.Type.Size()
		elemStride := int(m.size) / count
		for i := range n {
			base := uint64(r.start+i)*stride + m.offset
			tuple := data[i*tupleSize : (i+1)*tupleSize]
			if elemStride == elemSize {
				if err := stage.write(buf, base, tuple); err != nil {
					return err
				}
				continue
			}
			for j := range count {
				if err := stage.write(buf, base+uint64(j*elemStride), tuple[j*elemSize:(j+1)*elemSize]); err != nil {
					return err
				}
			}
		}
	}

	if r.populated == nil {
		r.populated = make(map[string]bool)
	}
	r.populated[m.spec.Name] = true
	a.strategy.counters.Inc(perf.CopyCPUToGPU)
	return nil
}

// ReadData reads name back from the device as tightly packed tuples. Staged
// uploads are flushed first.
func (r *Range) ReadData(name string) ([]byte, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRange
	}
	if a := r.array.Load(); a != nil {
		if err := a.strategy.staging.flush(); err != nil {
			return nil, err
		}
	}
	a := r.lock()
	if a == nil {
		return nil, ErrNotAssigned
	}
	defer a.mu.Unlock()
	if !r.assigned || a.storage == nil {
		return nil, ErrNotAssigned
	}
	m, ok := a.layout.find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	if r.numElements == 0 {
		return nil, nil
	}

	res := r.resourceLocked(a, m)
	tupleSize := m.spec.Tuple.Size()
	if !a.layout.kind.Interleaved() {
		return a.strategy.dev.ReadBuffer(res.Buffer, res.Offset, uint64(r.numElements*tupleSize))
	}

	base := uint64(r.start) * res.Stride
	raw, err := a.strategy.dev.ReadBuffer(res.Buffer, base, uint64(r.numElements)*res.Stride)
	if err != nil {
		return nil, err
	}
	count := m.spec.Tuple.Count
	elemSize := m.spec.Tuple.Type.Size()
	elemStride := int(m.size) / count
	out := make([]byte, 0, r.numElements*tupleSize)
	for i := range r.numElements {
		off := i*int(res.Stride) + int(m.offset)
		for j := range count {
			start := off + j*elemStride
			out = append(out, raw[start:start+elemSize]...)
		}
	}
	return out, nil
}

// String returns a debug description.
func (r *Range) String() string {
	if !r.IsValid() {
		return "Range{invalid}"
	}
	a := r.lock()
	if a == nil {
		return fmt.Sprintf("Range{%v released}", r.specs.Names())
	}
	defer a.mu.Unlock()
	return fmt.Sprintf("Range{%v start=%d n=%d cap=%d v=%d}", r.specs.Names(), r.start, r.numElements, r.allocated, r.version.Load())
}
