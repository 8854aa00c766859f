// Package aggregate packs many small attribute ranges into a few large
// device buffers.
//
// A [Strategy] fixes the memory layout (per-attribute SoA buffers, or
// std140/std430 interleaved structs) and the policies for growth, compaction
// and staging. A [Registry] owns the arrays of one strategy: every
// [Range] with the same aggregation id (signature plus usage hint) shares an
// [Array] until the array reaches its size limit, after which overflowing
// ranges are split into a new array.
//
// Allocation only records the request. Storage is (re)created by
// [Registry.ReallocateAll] during commit, which either places new ranges in
// the spare tail of the current buffers or repacks every live range into new
// buffers, copying their data on the device. Ranges are repointed under the
// array lock, so readers never see a half migrated range.
package aggregate

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/hashing"
	"github.com/gogpu/gpures/internal/perf"
)

// Strategy is an aggregation policy bound to a device.
type Strategy struct {
	name     string
	layout   Layout
	dev      gpucore.Device
	cfg      Config
	counters *perf.Counters
	staging  *stager
	salt     uint64

	onRelease func()
}

// NewStrategy creates a strategy named name. counters may be nil. onRelease,
// if non-nil, is called whenever a range drops its last reference.
func NewStrategy(name string, layout Layout, dev gpucore.Device, cfg Config, counters *perf.Counters, onRelease func()) *Strategy {
	cfg = cfg.withDefaults(dev.Limits())
	return &Strategy{
		name:      name,
		layout:    layout,
		dev:       dev,
		cfg:       cfg,
		counters:  counters,
		staging:   newStager(dev, cfg.StagingDirectThreshold),
		salt:      hashing.String(name),
		onRelease: onRelease,
	}
}

// Name returns the strategy name.
func (s *Strategy) Name() string { return s.name }

// Layout returns the strategy layout.
func (s *Strategy) Layout() Layout { return s.layout }

// Config returns the effective configuration.
func (s *Strategy) Config() Config { return s.cfg }

// AggregationID returns the id under which ranges with specs and hint are
// aggregated. Spec order is significant because interleaved layouts place
// members in request order.
func (s *Strategy) AggregationID(specs buffer.Specs, hint UsageHint) uint64 {
	h := s.salt
	for _, spec := range specs {
		h = hashing.Combine(h, spec.Hash())
	}
	return hashing.Combine(h, uint64(hint))
}

// Flush issues staged uploads.
func (s *Strategy) Flush() error { return s.staging.flush() }

// StagingStats returns the number of staged writes and merges so far.
func (s *Strategy) StagingStats() (pending, merged int) { return s.staging.stats() }

func (s *Strategy) notifyRelease() {
	if s.onRelease != nil {
		s.onRelease()
	}
}

// Allocation summarizes the device memory held by one strategy.
type Allocation struct {
	Arrays int
	Ranges int
	Bytes  uint64
}

// Registry owns the arrays of one strategy.
type Registry struct {
	strategy *Strategy

	mu     sync.Mutex
	arrays map[uint64][]*Array
	order  []uint64
}

// NewRegistry creates an empty registry for s.
func NewRegistry(s *Strategy) *Registry {
	return &Registry{strategy: s, arrays: make(map[uint64][]*Array)}
}

// Strategy returns the registry's strategy.
func (g *Registry) Strategy() *Strategy { return g.strategy }

// invalidRange is shared by every empty request.
var invalidRange = &Range{}

// InvalidRange returns the range returned for empty requests.
func InvalidRange() *Range { return invalidRange }

// AllocateRange returns a new range of n elements with the given signature.
// An empty signature or n == 0 yields the invalid range and reserves no
// storage. Storage is created by the next ReallocateAll.
func (g *Registry) AllocateRange(specs buffer.Specs, hint UsageHint, n int) *Range {
	if len(specs) == 0 || n <= 0 {
		return invalidRange
	}
	for _, spec := range specs {
		if spec.Name == "" || !spec.Tuple.IsValid() {
			diag.Error(nil, "", spec.Name, ErrInvalidSpec)
			return invalidRange
		}
	}

	s := g.strategy
	if limit := g.blockLimit(); limit > 0 {
		layout := newStructLayout(s.layout, specs, s.cfg.UniformOffsetAlignment)
		if size := uint64(n) * layout.bytesPerElement(); size > limit {
			diag.Error(nil, "", specs.Names()[0], ErrRangeTooLarge)
			return invalidRange
		}
	}

	r := &Range{
		registry:    g,
		specs:       slices.Clone(specs),
		hint:        hint,
		numElements: n,
	}
	r.refs.Store(1)

	id := s.AggregationID(specs, hint)

	g.mu.Lock()
	defer g.mu.Unlock()

	arrays := g.arrays[id]
	var target *Array
	if len(arrays) > 0 {
		last := arrays[len(arrays)-1]
		last.mu.Lock()
		if last.reserved()+n <= last.maxElements() {
			target = last
		} else {
			last.mu.Unlock()
		}
	}
	if target == nil {
		target = newArray(s, id, r.specs, hint)
		target.mu.Lock()
		if len(arrays) == 0 {
			g.order = append(g.order, id)
		}
		g.arrays[id] = append(arrays, target)
	}
	target.add(r)
	target.mu.Unlock()
	return r
}

// blockLimit returns the per-range byte limit of the layout.
func (g *Registry) blockLimit() uint64 {
	switch g.strategy.layout {
	case LayoutStd140:
		return g.strategy.cfg.MaxUniformBlockBytes
	case LayoutStd430:
		return g.strategy.cfg.MaxStorageBlockBytes
	default:
		return 0
	}
}

// each calls fn for every array in allocation order. Called with mu held.
func (g *Registry) each(fn func(a *Array)) {
	for _, id := range g.order {
		for _, a := range slices.Clone(g.arrays[id]) {
			fn(a)
		}
	}
}

// ReallocateAll creates or grows storage for every array with pending
// placement, migrating existing data. Overflowing ranges move to new arrays.
func (g *Registry) ReallocateAll() error {
	if err := g.strategy.staging.flush(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var retired []*storage
	var errs []error
	g.each(func(a *Array) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.needsReallocation {
			return
		}
		old, err := g.relocate(a, false)
		retired = append(retired, old...)
		if err != nil {
			errs = append(errs, err)
		}
	})
	for _, st := range retired {
		g.strategy.destroyStorage(st)
	}
	return errors.Join(errs...)
}

// relocate reallocates a and places its overflow into new arrays, which are
// reallocated in turn before a's lock is released. Called with g.mu and a.mu
// held.
func (g *Registry) relocate(a *Array, compact bool) ([]*storage, error) {
	var (
		overflow []move
		old      *storage
		err      error
	)
	if compact {
		_, overflow, old, err = a.garbageCollect()
	} else {
		overflow, old, err = a.reallocate(false)
	}
	if err != nil {
		return nil, err
	}
	var retired []*storage
	if old != nil {
		retired = append(retired, old)
	}
	if len(overflow) == 0 {
		return retired, nil
	}

	b := newArray(g.strategy, a.id, a.specs, a.hint)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adopt(overflow)
	g.arrays[a.id] = append(g.arrays[a.id], b)

	diag.Logger().Debug("aggregate: split overflowing array",
		slog.String("array", a.label()),
		slog.Int("moved", len(overflow)),
	)
	more, err := g.relocate(b, false)
	return append(retired, more...), err
}

// GarbageCollect drops released ranges, destroys empty arrays, and compacts
// arrays whose occupancy fell below the threshold. It returns the number of
// ranges reclaimed.
func (g *Registry) GarbageCollect() (int, error) {
	if err := g.strategy.staging.flush(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		retired []*storage
		errs    []error
		dropped int
	)
	g.each(func(a *Array) {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, r := range a.ranges {
			if r.released {
				dropped++
			}
		}
		old, err := g.relocate(a, true)
		retired = append(retired, old...)
		if err != nil {
			errs = append(errs, err)
		}
	})

	// Forget arrays left without ranges.
	for id, arrays := range g.arrays {
		kept := arrays[:0]
		for _, a := range arrays {
			a.mu.Lock()
			empty := len(a.ranges) == 0 && a.storage == nil
			a.mu.Unlock()
			if !empty {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(g.arrays, id)
			g.order = slices.DeleteFunc(g.order, func(x uint64) bool { return x == id })
			continue
		}
		g.arrays[id] = kept
	}

	for _, st := range retired {
		g.strategy.destroyStorage(st)
	}
	g.strategy.counters.Add(perf.GarbageCollected, uint64(dropped))
	return dropped, errors.Join(errs...)
}

// Arrays returns every array in allocation order.
func (g *Registry) Arrays() []*Array {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Array
	g.each(func(a *Array) { out = append(out, a) })
	return out
}

// Allocation reports the arrays, live ranges and bytes held.
func (g *Registry) Allocation() Allocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out Allocation
	g.each(func(a *Array) {
		a.mu.Lock()
		defer a.mu.Unlock()
		out.Arrays++
		for _, r := range a.ranges {
			if !r.released {
				out.Ranges++
			}
		}
		if a.storage != nil {
			out.Bytes += a.storage.bytes
		}
	})
	return out
}

// Destroy releases every array's storage. Ranges become unassigned.
func (g *Registry) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.each(func(a *Array) {
		a.mu.Lock()
		for _, r := range a.ranges {
			r.array.Store(nil)
			r.assigned = false
		}
		a.ranges = nil
		st := a.storage
		a.storage = nil
		a.mu.Unlock()
		g.strategy.destroyStorage(st)
	})
	g.arrays = make(map[uint64][]*Array)
	g.order = nil
}
