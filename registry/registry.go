// Package registry coordinates buffer aggregation, source resolution and
// compute dispatch for one device.
//
// A Registry is the single point through which scene sync allocates ranges
// and queues work. Allocation and queuing are safe for concurrent use by
// sync workers. Commit and GarbageCollect run on one goroutine: they resolve
// queued sources on a worker pool, upload the results, and then encode every
// queued computation in dependency order.
//
// Basic usage:
//
//	reg, err := registry.New(dev, registry.DefaultConfig())
//	rng := reg.AllocateRange(specs, aggregate.HintVertex, n)
//	reg.AddSources(rng, points, normals)
//	err = reg.Commit(ctx)
//	res, ok := rng.Resource("points")
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/cache"
	"github.com/gogpu/gpures/compute"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/parallel"
	"github.com/gogpu/gpures/internal/perf"
)

// Registry errors.
var (
	// ErrInvalidRange is returned when work is queued on the invalid range.
	ErrInvalidRange = errors.New("registry: range is invalid")

	// ErrNoSources is returned by AddSources without sources.
	ErrNoSources = errors.New("registry: no sources")

	// ErrInvalidSource is reported for sources that cannot be committed.
	ErrInvalidSource = errors.New("registry: invalid source")

	// ErrInvalidQueue is returned for queue indices outside [0, NumQueues).
	ErrInvalidQueue = errors.New("registry: invalid computation queue")

	// ErrUnresolved is reported for sources whose dependencies never
	// resolve, such as a dependency cycle.
	ErrUnresolved = errors.New("registry: source dependencies never resolved")

	// ErrTruncated is reported when a source holds more elements than its
	// range; the excess is not committed.
	ErrTruncated = errors.New("registry: source truncated to range size")

	// ErrDestroyed is returned by operations on a destroyed registry.
	ErrDestroyed = errors.New("registry: destroyed")
)

// Role selects the aggregation strategy of a range.
type Role uint8

// Range roles.
const (
	// RoleNonUniform holds per-element attributes in one buffer per
	// attribute.
	RoleNonUniform Role = iota

	// RoleUniform holds std140 interleaved uniform blocks.
	RoleUniform

	// RoleStorage holds std430 interleaved storage blocks.
	RoleStorage

	numRoles
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleNonUniform:
		return "nonUniform"
	case RoleUniform:
		return "uniform"
	case RoleStorage:
		return "storage"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// sourceRequest is the queued sources of one range, in add order. A fixed
// request keeps the size its range was allocated with.
type sourceRequest struct {
	rng     *aggregate.Range
	sources []buffer.Source
	fixed   bool
}

type computationRequest struct {
	dst  *aggregate.Range
	comp compute.Computation
}

// Registry owns the aggregated buffers and instance caches of one device.
type Registry struct {
	dev      gpucore.Device
	cfg      Config
	counters *perf.Counters
	tracer   trace.Tracer
	pool     *parallel.WorkerPool

	roles [numRoles]*aggregate.Registry

	pipelines  *cache.Registry[gpucore.ComputePipelineID]
	bindings   *cache.Registry[gpucore.ResourceBindingsID]
	shared     *cache.Registry[*aggregate.Range]
	topologies *cache.Registry[*aggregate.Range]

	gcNeeded  atomic.Bool
	destroyed atomic.Bool

	mu           sync.Mutex
	requests     []*sourceRequest
	byRange      map[*aggregate.Range]*sourceRequest
	standalone   []buffer.Source
	queues       [NumQueues][]computationRequest
	usedBindings map[uint64]struct{}

	// Commit goroutine only.
	enc gpucore.ComputeEncoder
}

var _ compute.Executor = (*Registry)(nil)

// New creates a registry for dev.
func New(dev gpucore.Device, cfg Config) (*Registry, error) {
	if dev == nil {
		return nil, errors.New("registry: nil device")
	}
	cfg = cfg.withDefaults()

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r := &Registry{
		dev:          dev,
		cfg:          cfg,
		counters:     perf.New(cfg.Registerer, cfg.Label),
		tracer:       tp.Tracer("github.com/gogpu/gpures/registry"),
		pool:         parallel.NewWorkerPool(cfg.ResolveWorkers),
		byRange:      make(map[*aggregate.Range]*sourceRequest),
		usedBindings: make(map[uint64]struct{}),
	}

	onRelease := func() { r.gcNeeded.Store(true) }
	layouts := [numRoles]aggregate.Layout{aggregate.LayoutSoA, aggregate.LayoutStd140, aggregate.LayoutStd430}
	for role := range numRoles {
		s := aggregate.NewStrategy(cfg.Label+"/"+role.String(), layouts[role], dev, cfg.Config, r.counters, onRelease)
		r.roles[role] = aggregate.NewRegistry(s)
	}

	r.pipelines = cache.NewRegistry(func(_ uint64, id gpucore.ComputePipelineID) {
		dev.DestroyComputePipeline(id)
	})
	r.bindings = cache.NewRegistry(func(_ uint64, id gpucore.ResourceBindingsID) {
		dev.DestroyResourceBindings(id)
	})
	r.shared = cache.NewRegistry(func(_ uint64, rng *aggregate.Range) {
		rng.Release()
	})
	r.topologies = cache.NewRegistry(func(_ uint64, rng *aggregate.Range) {
		rng.Release()
	})

	diag.Logger().Info("registry: created",
		slog.String("registry", cfg.Label),
		slog.Int("resolveWorkers", cfg.ResolveWorkers),
	)
	return r, nil
}

// Label returns the registry label.
func (r *Registry) Label() string { return r.cfg.Label }

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Device implements compute.Executor.
func (r *Registry) Device() gpucore.Device { return r.dev }

// Counters implements compute.Executor.
func (r *Registry) Counters() *perf.Counters { return r.counters }

// Diagnostics implements compute.Executor.
func (r *Registry) Diagnostics() diag.Sink { return r.cfg.Diagnostics }

// Aggregates returns the aggregate registry of role.
func (r *Registry) Aggregates(role Role) *aggregate.Registry { return r.roles[role] }

// =============================================================================
// Allocation
// =============================================================================

// AllocateRange allocates n elements with the given signature. Ranges with
// HintUniform go to the uniform role, all others to the non-uniform role.
// An empty signature or n == 0 yields an invalid range.
func (r *Registry) AllocateRange(specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	if hint.Has(aggregate.HintUniform) {
		return r.AllocateUniformRange(specs, hint, n)
	}
	return r.AllocateNonUniformRange(specs, hint, n)
}

// AllocateNonUniformRange allocates a range with one buffer per attribute.
func (r *Registry) AllocateNonUniformRange(specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	return r.allocate(RoleNonUniform, specs, hint, n)
}

// AllocateUniformRange allocates a range of std140 uniform blocks.
func (r *Registry) AllocateUniformRange(specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	return r.allocate(RoleUniform, specs, hint|aggregate.HintUniform, n)
}

// AllocateStorageRange allocates a range of std430 storage blocks.
func (r *Registry) AllocateStorageRange(specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	return r.allocate(RoleStorage, specs, hint|aggregate.HintStorage, n)
}

func (r *Registry) allocate(role Role, specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	if r.destroyed.Load() {
		return aggregate.InvalidRange()
	}
	return r.roles[role].AllocateRange(specs, hint, n)
}

// roleOf returns the role rng was allocated for.
func (r *Registry) roleOf(rng *aggregate.Range) (Role, bool) {
	s := rng.Strategy()
	for role, g := range r.roles {
		if g.Strategy() == s {
			return Role(role), true
		}
	}
	return 0, false
}

// UpdateRange returns a range holding the signature of cur with updated
// added or retyped and removed dropped, sized to n elements.
//
// cur is reused when it is mutable, its hint is unchanged, nothing is
// removed, and updated is already part of its signature. Otherwise a new
// range is allocated and the attributes that did not change are copied from
// cur on the device during the next commit. UpdateRange takes ownership of
// the caller's reference to cur.
func (r *Registry) UpdateRange(cur *aggregate.Range, updated, removed buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	if !cur.IsValid() {
		return r.AllocateRange(updated, hint, n)
	}
	role, ok := r.roleOf(cur)
	if !ok {
		return r.AllocateRange(updated, hint, n)
	}

	curSpecs := cur.Specs()
	if len(removed) == 0 && hint == cur.Usage() && !hint.Has(aggregate.HintImmutable) &&
		updated.IsSubsetOf(curSpecs) {
		if n != cur.NumElements() {
			cur.Resize(n)
		}
		return cur
	}

	specs := curSpecs.Difference(removed)
	// Updated specs replace same-named ones, possibly with a new type.
	specs = updated.Union(specs.Difference(updated))
	next := r.allocate(role, specs, hint, n)
	if !next.IsValid() {
		cur.Release()
		return next
	}
	next.SetOwner(cur.Owner())

	if keep := curSpecs.Difference(removed).Difference(updated); len(keep) > 0 {
		// The copy holds its own reference to cur until it executes.
		_ = r.AddComputation(next, compute.NewCopyComputation(cur, keep), 0)
	}
	cur.Release()

	diag.Logger().Debug("registry: range migrated",
		slog.String("registry", r.cfg.Label),
		slog.String("owner", next.Owner()),
		slog.Int("specs", len(specs)),
	)
	return next
}

// =============================================================================
// Queuing
// =============================================================================

// AddSources queues sources to be resolved and committed into rng. A source
// whose name was already queued for rng replaces the earlier one. Invalid
// sources and sources outside the range signature are dropped with a
// warning.
func (r *Registry) AddSources(rng *aggregate.Range, sources ...buffer.Source) error {
	return r.addSources(rng, false, sources)
}

func (r *Registry) addSources(rng *aggregate.Range, fixed bool, sources []buffer.Source) error {
	if !rng.IsValid() {
		return ErrInvalidRange
	}
	if len(sources) == 0 {
		return ErrNoSources
	}
	specs := rng.Specs()

	r.mu.Lock()
	defer r.mu.Unlock()
	req := r.byRange[rng]
	if req == nil {
		req = &sourceRequest{rng: rng}
		r.byRange[rng] = req
		r.requests = append(r.requests, req)
	}
	req.fixed = req.fixed || fixed
	for _, src := range sources {
		if src == nil || !src.IsValid() {
			name := ""
			if src != nil {
				name = src.Name()
			}
			diag.Warn(r.cfg.Diagnostics, rng.Owner(), name, ErrInvalidSource)
			continue
		}
		if _, ok := specs.Find(src.Name()); !ok {
			diag.Warn(r.cfg.Diagnostics, rng.Owner(), src.Name(),
				fmt.Errorf("%w: %w", ErrInvalidSource, aggregate.ErrUnknownAttribute))
			continue
		}
		if i := slices.IndexFunc(req.sources, func(s buffer.Source) bool { return s.Name() == src.Name() }); i >= 0 {
			req.sources[i] = src
			continue
		}
		req.sources = append(req.sources, src)
	}
	return nil
}

// AddSource queues a source that is resolved during commit but not copied
// into any range, such as a CPU computation whose outputs are queued
// separately.
func (r *Registry) AddSource(src buffer.Source) {
	if src == nil {
		return
	}
	r.mu.Lock()
	r.standalone = append(r.standalone, src)
	r.mu.Unlock()
}

// AddComputation queues comp to write into dst on the given queue. Queues
// run in increasing order; within a queue a computation runs after every
// computation producing one of its input ranges.
func (r *Registry) AddComputation(dst *aggregate.Range, comp compute.Computation, queue int) error {
	if queue < 0 || queue >= NumQueues {
		return fmt.Errorf("%w: %d", ErrInvalidQueue, queue)
	}
	if !dst.IsValid() {
		return ErrInvalidRange
	}
	r.mu.Lock()
	r.queues[queue] = append(r.queues[queue], computationRequest{dst: dst, comp: comp})
	r.mu.Unlock()
	return nil
}

// HasPendingWork reports whether sources or computations are queued.
func (r *Registry) HasPendingWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) > 0 || len(r.standalone) > 0 {
		return true
	}
	for _, q := range r.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// Instance caches and compute.Executor
// =============================================================================

// RegisterInstance registers key in c, counting the hit or miss on r.
func RegisterInstance[V any](r *Registry, c *cache.Registry[V], key uint64) *cache.Instance[V] {
	inst := c.Register(key)
	if inst.IsFirstInstance() {
		r.counters.Inc(perf.InstanceMisses)
	} else {
		r.counters.Inc(perf.InstanceHits)
	}
	return inst
}

// RegisterComputePipeline implements compute.Executor.
func (r *Registry) RegisterComputePipeline(key uint64) *cache.Instance[gpucore.ComputePipelineID] {
	return RegisterInstance(r, r.pipelines, key)
}

// RegisterResourceBindings implements compute.Executor. Bindings not used
// between two garbage collections are destroyed by the second.
func (r *Registry) RegisterResourceBindings(key uint64) *cache.Instance[gpucore.ResourceBindingsID] {
	r.mu.Lock()
	r.usedBindings[key] = struct{}{}
	r.mu.Unlock()
	return RegisterInstance(r, r.bindings, key)
}

// Encoder implements compute.Executor. The encoder is begun lazily and
// submitted by Barrier.
func (r *Registry) Encoder() (gpucore.ComputeEncoder, error) {
	if r.enc == nil {
		enc, err := r.dev.BeginComputeEncoding()
		if err != nil {
			return nil, fmt.Errorf("registry: begin encoding: %w", err)
		}
		r.enc = enc
	}
	return r.enc, nil
}

// Barrier implements compute.Executor. It submits recorded dispatches so
// later device work observes their results.
func (r *Registry) Barrier() error {
	if r.enc == nil {
		return nil
	}
	enc := r.enc
	r.enc = nil
	if err := enc.Submit(); err != nil {
		return fmt.Errorf("registry: submit: %w", err)
	}
	return nil
}

// =============================================================================
// Reporting and teardown
// =============================================================================

// Allocation summarizes the device memory held by a registry.
type Allocation struct {
	Roles        [numRoles]aggregate.Allocation
	Pipelines    int
	Bindings     int
	SharedRanges int
	Topologies   int
}

// Bytes returns the total bytes across roles.
func (a Allocation) Bytes() uint64 {
	var total uint64
	for _, r := range a.Roles {
		total += r.Bytes
	}
	return total
}

// String returns a human-readable summary.
func (a Allocation) String() string {
	s := fmt.Sprintf("gpu memory: %d bytes", a.Bytes())
	for role, r := range a.Roles {
		s += fmt.Sprintf(", %s: %d arrays %d ranges %d bytes", Role(role), r.Arrays, r.Ranges, r.Bytes)
	}
	return s + fmt.Sprintf(", pipelines: %d, bindings: %d, shared ranges: %d, topologies: %d",
		a.Pipelines, a.Bindings, a.SharedRanges, a.Topologies)
}

// ResourceAllocation reports the memory in use and updates the memory
// gauges.
func (r *Registry) ResourceAllocation() Allocation {
	var out Allocation
	for role, g := range r.roles {
		out.Roles[role] = g.Allocation()
		r.counters.SetMemory(Role(role).String(), out.Roles[role].Bytes)
	}
	out.Pipelines = r.pipelines.Len()
	out.Bindings = r.bindings.Len()
	out.SharedRanges = r.shared.Len()
	out.Topologies = r.topologies.Len()
	return out
}

// Destroy releases every device object held by the registry. Queued work is
// dropped. The registry must not be used afterwards.
func (r *Registry) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	for _, q := range r.queues {
		for _, req := range q {
			if d, ok := req.comp.(interface{ Discard() }); ok {
				d.Discard()
			}
		}
	}
	r.requests, r.standalone, r.queues = nil, nil, [NumQueues][]computationRequest{}
	clear(r.byRange)
	r.mu.Unlock()

	if r.enc != nil {
		_ = r.enc.Submit()
		r.enc = nil
	}
	r.pool.Close()
	r.shared.Clear()
	r.topologies.Clear()
	r.bindings.Clear()
	r.pipelines.Clear()
	for _, g := range r.roles {
		g.Destroy()
	}
	diag.Logger().Info("registry: destroyed", slog.String("registry", r.cfg.Label))
}
