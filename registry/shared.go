package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/cache"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/hashing"
)

// ErrInputUnresolved is returned when a shared input source cannot be
// resolved at allocation time.
var ErrInputUnresolved = errors.New("registry: shared input source did not resolve")

var sharedInputSalt = hashing.String("sharedInputRange")

// SharedInputKey returns the fan-in key of resolved sources: an
// order-dependent combine of their hashes and the usage hint. Two source
// lists that differ only in order produce different keys.
func SharedInputKey(sources []buffer.Source, hint aggregate.UsageHint) uint64 {
	h := sharedInputSalt
	for _, s := range sources {
		h = hashing.Combine(h, s.Hash())
	}
	return hashing.Combine(h, uint64(hint))
}

// AllocateSharedInputRange returns a range holding sources, shared with
// every other caller passing sources with the same resolved hashes in the
// same order. The sources are resolved immediately; they must not depend
// on work queued for this commit. The first caller allocates the range and
// queues the sources; the range is populated by the next commit.
//
// Each call returns a new reference the caller must Release. The registry
// keeps its own reference until GarbageCollect finds the range unused.
// With EnableSharedExtComputationData off every call allocates a private
// range.
func (r *Registry) AllocateSharedInputRange(sources []buffer.Source, hint aggregate.UsageHint) (*aggregate.Range, error) {
	if len(sources) == 0 {
		return aggregate.InvalidRange(), ErrNoSources
	}
	var specs buffer.Specs
	n := 0
	for _, s := range sources {
		if !s.Resolve() {
			return aggregate.InvalidRange(), fmt.Errorf("%w: %s", ErrInputUnresolved, s.Name())
		}
		if s.State() != buffer.StateResolved {
			return aggregate.InvalidRange(), fmt.Errorf("%w: %s: %w", ErrInputUnresolved, s.Name(), s.Err())
		}
		specs = s.AppendSpecs(specs)
		n = max(n, s.NumElements())
	}

	if !r.cfg.EnableSharedExtComputationData {
		return r.allocateInputRange(specs, hint, n, sources)
	}
	return r.sharedRange(r.shared, SharedInputKey(sources, hint), specs, hint, n, sources)
}

var topologySalt = hashing.String("sharedTopologyRange")

// AllocateSharedTopologyRange returns a range holding the topology source
// src, shared with every caller passing topology with the same resolved
// hash. Meshes and curves with identical topology thereby reference one
// index range. The contract matches AllocateSharedInputRange: each call
// returns a new reference the caller must Release, and GarbageCollect drops
// the range once no caller holds it.
func (r *Registry) AllocateSharedTopologyRange(src buffer.Source, hint aggregate.UsageHint) (*aggregate.Range, error) {
	if src == nil {
		return aggregate.InvalidRange(), ErrNoSources
	}
	if !src.Resolve() || src.State() != buffer.StateResolved {
		return aggregate.InvalidRange(), fmt.Errorf("%w: %s: %w", ErrInputUnresolved, src.Name(), src.Err())
	}
	key := hashing.CombineAll(topologySalt, src.Hash(), uint64(hint))
	return r.sharedRange(r.topologies, key, src.AppendSpecs(nil), hint, src.NumElements(), []buffer.Source{src})
}

// sharedRange looks key up in c, allocating and queuing the range on the
// first registration, and returns a new reference to it.
func (r *Registry) sharedRange(c *cache.Registry[*aggregate.Range], key uint64, specs buffer.Specs, hint aggregate.UsageHint, n int, sources []buffer.Source) (*aggregate.Range, error) {
	inst := RegisterInstance(r, c, key)
	if inst.IsFirstInstance() {
		rng, err := r.allocateInputRange(specs, hint, n, sources)
		if err != nil {
			inst.Fail(err)
			return rng, err
		}
		inst.SetValue(rng)
		diag.Logger().Debug("registry: shared range",
			slog.String("registry", r.cfg.Label),
			slog.Uint64("key", key),
			slog.Int("elements", n),
		)
	}
	rng, err := inst.Value()
	if err != nil {
		return aggregate.InvalidRange(), err
	}
	rng.Retain()
	return rng, nil
}

func (r *Registry) allocateInputRange(specs buffer.Specs, hint aggregate.UsageHint, n int, sources []buffer.Source) (*aggregate.Range, error) {
	rng := r.AllocateRange(specs, hint, n)
	if !rng.IsValid() {
		return rng, ErrInvalidRange
	}
	// Inputs may differ in length; the range keeps the largest.
	if err := r.addSources(rng, true, sources); err != nil {
		rng.Release()
		return aggregate.InvalidRange(), err
	}
	return rng, nil
}

// =============================================================================
// Garbage collection
// =============================================================================

// NeedsGarbageCollection reports whether a range was released since the
// last collection.
func (r *Registry) NeedsGarbageCollection() bool { return r.gcNeeded.Load() }

// GarbageCollectIfNeeded collects only when a range was released since the
// last collection.
func (r *Registry) GarbageCollectIfNeeded(ctx context.Context) error {
	if !r.gcNeeded.Load() {
		return nil
	}
	return r.GarbageCollect(ctx)
}

// GarbageCollect releases shared input and topology ranges no other owner
// references,
// drops released ranges, compacts sparse arrays, destroys empty ones, and
// destroys resource bindings not used since the previous collection.
func (r *Registry) GarbageCollect(ctx context.Context) error {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	_, span, start := r.startPhase(ctx, "gc")

	unused := func(_ uint64, rng *aggregate.Range) bool { return rng.RefCount() <= 1 }
	shared := r.shared.GarbageCollect(unused)
	shared += r.topologies.GarbageCollect(unused)
	r.gcNeeded.Store(false)

	var (
		errs    []error
		dropped int
	)
	for _, g := range r.roles {
		n, err := g.GarbageCollect()
		dropped += n
		errs = append(errs, err)
	}

	r.mu.Lock()
	used := r.usedBindings
	r.usedBindings = make(map[uint64]struct{})
	r.mu.Unlock()
	bindings := r.bindings.GarbageCollect(func(key uint64, _ gpucore.ResourceBindingsID) bool {
		_, ok := used[key]
		return !ok
	})

	err := errors.Join(errs...)
	r.endPhase(span, "gc", start, err)
	alloc := r.ResourceAllocation()
	diag.Logger().Debug("registry: garbage collected",
		slog.String("registry", r.cfg.Label),
		slog.Int("ranges", dropped),
		slog.Int("shared", shared),
		slog.Int("bindings", bindings),
		slog.Uint64("bytes", alloc.Bytes()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return err
}
