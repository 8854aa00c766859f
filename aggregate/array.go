package aggregate

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

// storage is the device memory of an array at one capacity.
type storage struct {
	capacity int
	shared   gpucore.BufferID            // interleaved layouts
	buffers  map[string]gpucore.BufferID // SoA layout
	sizes    map[gpucore.BufferID]uint64
	bytes    uint64
}

// bufferFor returns the buffer holding name.
func (s *storage) bufferFor(name string) gpucore.BufferID {
	if s.shared != gpucore.InvalidID {
		return s.shared
	}
	return s.buffers[name]
}

// ids returns every buffer of the storage.
func (s *storage) ids() []gpucore.BufferID {
	out := make([]gpucore.BufferID, 0, len(s.sizes))
	for id := range s.sizes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// move records where a range's data lives before it changes arrays.
type move struct {
	r     *Range
	from  *storage
	start int
	count int
}

// Array is one physical aggregate: a set of buffers shared by every range
// with the same aggregation id, packed in layout order. All range placement
// fields are guarded by mu.
type Array struct {
	mu sync.Mutex

	strategy *Strategy
	id       uint64
	specs    buffer.Specs
	hint     UsageHint
	layout   *structLayout

	storage  *storage
	ranges   []*Range
	incoming map[*Range]move

	needsReallocation bool
	needsCompaction   bool
	version           uint64
}

func newArray(s *Strategy, id uint64, specs buffer.Specs, hint UsageHint) *Array {
	return &Array{
		strategy: s,
		id:       id,
		specs:    specs,
		hint:     hint,
		layout:   newStructLayout(s.layout, specs, s.cfg.UniformOffsetAlignment),
	}
}

// ID returns the aggregation id shared by every array with the same
// signature and hint.
func (a *Array) ID() uint64 { return a.id }

// Specs returns the array signature in request order.
func (a *Array) Specs() buffer.Specs { return slices.Clone(a.specs) }

// Stride returns the byte stride of name, or 0 if the array has no such
// attribute.
func (a *Array) Stride(name string) uint64 {
	m, ok := a.layout.find(name)
	if !ok {
		return 0
	}
	return a.layout.strideOf(m)
}

// MemberOffset returns the byte offset of name inside one element.
func (a *Array) MemberOffset(name string) uint64 {
	m, _ := a.layout.find(name)
	return m.offset
}

// Capacity returns the number of elements the current storage holds.
func (a *Array) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.storage == nil {
		return 0
	}
	return a.storage.capacity
}

// Version returns a counter incremented on every reallocation.
func (a *Array) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// NumRanges returns the number of ranges placed in the array, including
// released ranges not yet garbage collected.
func (a *Array) NumRanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ranges)
}

// Bytes returns the device memory held by the array.
func (a *Array) Bytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.storage == nil {
		return 0
	}
	return a.storage.bytes
}

// Buffers returns the buffers of the current storage.
func (a *Array) Buffers() []gpucore.BufferID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.storage == nil {
		return nil
	}
	return a.storage.ids()
}

func (a *Array) label() string {
	return fmt.Sprintf("%s[%s]", a.strategy.name, strings.Join(a.specs.Names(), ","))
}

// maxElements is the element capacity at which the array splits.
func (a *Array) maxElements() int {
	stride := a.layout.maxStride()
	if stride == 0 {
		return math.MaxInt32
	}
	n := a.strategy.cfg.MaxArrayBytes / stride
	if n < 1 {
		return 1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// reserved returns the elements requested by live ranges. Called with mu held.
func (a *Array) reserved() int {
	n := 0
	for _, r := range a.ranges {
		if !r.released {
			n += r.numElements
		}
	}
	return n
}

// add places r in the array. Called with mu held.
func (a *Array) add(r *Range) {
	r.array.Store(a)
	a.ranges = append(a.ranges, r)
	a.needsReallocation = true
}

// createStorage allocates device buffers for capacity elements.
func (a *Array) createStorage(capacity int) (*storage, error) {
	dev := a.strategy.dev
	usage := a.hint.bufferUsage(a.layout.kind)
	st := &storage{capacity: capacity, sizes: make(map[gpucore.BufferID]uint64)}

	create := func(label string, size uint64) (gpucore.BufferID, error) {
		id, err := dev.CreateBuffer(gpucore.BufferDesc{Label: label, Size: size, Usage: usage})
		if err != nil {
			for created := range st.sizes {
				dev.DestroyBuffer(created)
			}
			return gpucore.InvalidID, fmt.Errorf("aggregate: create %s (%d bytes): %w", label, size, err)
		}
		st.sizes[id] = size
		st.bytes += size
		return id, nil
	}

	if a.layout.kind.Interleaved() {
		id, err := create(a.label(), uint64(capacity)*a.layout.stride)
		if err != nil {
			return nil, err
		}
		st.shared = id
		return st, nil
	}

	st.buffers = make(map[string]gpucore.BufferID, len(a.layout.members))
	for _, m := range a.layout.members {
		id, err := create(a.strategy.name+"."+m.spec.Name, uint64(capacity)*m.size)
		if err != nil {
			return nil, err
		}
		st.buffers[m.spec.Name] = id
	}
	return st, nil
}

// destroyStorage releases st's buffers and any uploads staged for them.
func (s *Strategy) destroyStorage(st *storage) {
	if st == nil {
		return
	}
	for _, id := range st.ids() {
		s.staging.discard(id)
		s.dev.DestroyBuffer(id)
	}
}

// dropReleased removes released ranges. Called with mu held.
func (a *Array) dropReleased() int {
	kept := a.ranges[:0]
	dropped := 0
	for _, r := range a.ranges {
		if r.released {
			r.array.Store(nil)
			r.assigned = false
			delete(a.incoming, r)
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	clear(a.ranges[len(kept):])
	a.ranges = kept
	if dropped > 0 {
		a.needsReallocation = true
	}
	return dropped
}

// sourceOf returns where r's data currently lives. Called with mu held.
func (a *Array) sourceOf(r *Range) (*storage, int, int) {
	if m, ok := a.incoming[r]; ok {
		return m.from, m.start, m.count
	}
	if r.assigned && a.storage != nil {
		return a.storage, r.start, min(r.allocated, r.numElements)
	}
	return nil, 0, 0
}

// tryInPlace places unassigned ranges after the high-water mark of the
// current storage. It fails when an assigned range grew or the storage is
// too small. Called with mu held.
func (a *Array) tryInPlace() bool {
	if a.storage == nil || len(a.incoming) > 0 {
		return false
	}
	hwm := 0
	var pending []*Range
	for _, r := range a.ranges {
		switch {
		case !r.assigned:
			pending = append(pending, r)
		case r.numElements > r.allocated:
			return false
		default:
			hwm = max(hwm, r.start+r.allocated)
		}
	}
	need := hwm
	for _, r := range pending {
		need += r.numElements
	}
	if need > a.storage.capacity {
		return false
	}
	for _, r := range pending {
		r.start = hwm
		r.allocated = r.numElements
		r.assigned = true
		hwm += r.numElements
	}
	a.needsReallocation = false
	return true
}

// reallocate repacks every live range into new storage. Without compact the
// capacity grows by the growth factor; with compact it is exactly the live
// size. Ranges beyond the array's maximum are detached and returned as
// overflow together with where their data lives. The previous storage is
// returned for the caller to destroy once overflow ranges are migrated.
// Called with mu held.
func (a *Array) reallocate(compact bool) (overflow []move, retired *storage, err error) {
	a.dropReleased()
	if len(a.ranges) == 0 {
		a.needsReallocation = false
		return nil, nil, nil
	}
	if !compact && a.tryInPlace() {
		return nil, nil, nil
	}

	order := slices.Clone(a.ranges)
	slices.SortStableFunc(order, func(x, y *Range) int {
		xs, ys := math.MaxInt, math.MaxInt
		if x.assigned {
			xs = x.start
		}
		if y.assigned {
			ys = y.start
		}
		return xs - ys
	})

	limit := a.maxElements()
	var kept []*Range
	total := 0
	for i, r := range order {
		if total+r.numElements > limit && len(kept) > 0 {
			for _, o := range order[i:] {
				from, start, count := a.sourceOf(o)
				overflow = append(overflow, move{r: o, from: from, start: start, count: count})
			}
			break
		}
		kept = append(kept, r)
		total += r.numElements
	}

	capacity := total
	if !compact && a.storage != nil {
		grown := int(math.Ceil(float64(a.storage.capacity) * a.strategy.cfg.GrowthFactor))
		capacity = max(total, min(grown, limit))
	}
	capacity = max(capacity, 1)

	next, err := a.createStorage(capacity)
	if err != nil {
		return nil, nil, err
	}

	var copies []gpucore.BufferCopy
	offset := 0
	for _, r := range kept {
		if from, start, count := a.sourceOf(r); from != nil {
			copies = append(copies, a.layout.copies(from, start, next, offset, count)...)
		}
		offset += r.numElements
	}
	copies = coalesce(copies)
	if len(copies) > 0 {
		if err := a.strategy.dev.CopyBuffer(copies); err != nil {
			a.strategy.destroyStorage(next)
			return nil, nil, fmt.Errorf("aggregate: migrate %s: %w", a.label(), err)
		}
		a.strategy.counters.Add(perf.CopyGPUToGPU, uint64(len(copies)))
	}

	offset = 0
	for _, r := range kept {
		if r.assigned || a.incoming[r].r != nil {
			r.version.Add(1)
		}
		r.start = offset
		r.allocated = r.numElements
		r.assigned = true
		offset += r.numElements
	}
	for _, m := range overflow {
		m.r.assigned = false
	}

	retired = a.storage
	a.storage = next
	a.ranges = kept
	a.incoming = nil
	a.version++
	a.needsReallocation = false
	a.needsCompaction = false
	a.strategy.counters.Inc(perf.BufferRelocated)

	diag.Logger().Debug("aggregate: reallocated",
		slog.String("array", a.label()),
		slog.Int("ranges", len(kept)),
		slog.Int("capacity", capacity),
		slog.Int("copies", len(copies)),
		slog.Int("overflow", len(overflow)),
		slog.Bool("compact", compact),
	)
	return overflow, retired, nil
}

// adopt takes over overflow ranges from another array. Called with mu held.
func (a *Array) adopt(moves []move) {
	if a.incoming == nil {
		a.incoming = make(map[*Range]move, len(moves))
	}
	for _, m := range moves {
		a.incoming[m.r] = m
		a.add(m.r)
	}
}

// occupancy returns live elements over capacity. Called with mu held.
func (a *Array) occupancy() float64 {
	if a.storage == nil || a.storage.capacity == 0 {
		return 1
	}
	return float64(a.reserved()) / float64(a.storage.capacity)
}

// garbageCollect drops released ranges and compacts the array when its
// occupancy fell below the threshold. It returns the number of dropped
// ranges, any overflow from compaction and the storage to destroy. Called
// with mu held.
func (a *Array) garbageCollect() (dropped int, overflow []move, retired *storage, err error) {
	dropped = a.dropReleased()
	if len(a.ranges) == 0 {
		retired = a.storage
		a.storage = nil
		a.needsReallocation = false
		a.needsCompaction = false
		return dropped, nil, retired, nil
	}
	if a.storage == nil || !a.needsCompaction {
		return dropped, nil, nil, nil
	}
	if a.occupancy() >= a.strategy.cfg.CompactionThreshold {
		a.needsCompaction = false
		return dropped, nil, nil, nil
	}
	overflow, retired, err = a.reallocate(true)
	if err == nil {
		a.strategy.counters.Inc(perf.Compactions)
	}
	return dropped, overflow, retired, err
}
