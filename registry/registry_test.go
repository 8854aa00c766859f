package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/backend/software"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/compute"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

var (
	float2 = buffer.Tuple(buffer.Float2, 1)
	float3 = buffer.Tuple(buffer.Float3, 1)
)

func newTestRegistry(t *testing.T) (*Registry, *software.Device, *diag.Recorder) {
	t.Helper()
	dev := software.New()
	rec := &diag.Recorder{}
	cfg := DefaultConfig()
	cfg.Diagnostics = rec
	cfg.ResolveWorkers = 4
	reg, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(reg.Destroy)
	return reg, dev, rec
}

func commit(t *testing.T, reg *Registry) {
	t.Helper()
	if err := reg.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func pointsN(n int, base float32) [][3]float32 {
	out := make([][3]float32, n)
	for i := range out {
		f := base + float32(i)
		out[i] = [3]float32{f, f + 0.5, -f}
	}
	return out
}

func readPoints(t *testing.T, rng *aggregate.Range, name string) [][3]float32 {
	t.Helper()
	data, err := rng.ReadData(name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return slices.Clone(safeish.SliceCast[[][3]float32](data))
}

// =============================================================================
// Allocation
// =============================================================================

func TestAllocateEmptyIsInvalid(t *testing.T) {
	reg, dev, _ := newTestRegistry(t)

	empty := reg.AllocateRange(nil, aggregate.HintVertex, 10)
	zero := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex, 0)
	for _, rng := range []*aggregate.Range{empty, zero} {
		if rng.IsValid() {
			t.Error("expected invalid range")
		}
		if err := reg.AddSources(rng, buffer.NewArraySource("points", pointsN(1, 0), 1)); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
	}
	commit(t, reg)
	if dev.Stats().BuffersCreated != 0 {
		t.Errorf("invalid ranges must not reserve storage, %d buffers created", dev.Stats().BuffersCreated)
	}
}

func TestAllocateRoles(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	specs := buffer.Specs{{Name: "color", Tuple: float3}}

	cases := []struct {
		rng  *aggregate.Range
		role Role
	}{
		{reg.AllocateRange(specs, aggregate.HintVertex, 1), RoleNonUniform},
		{reg.AllocateRange(specs, aggregate.HintUniform, 1), RoleUniform},
		{reg.AllocateStorageRange(specs, 0, 1), RoleStorage},
	}
	for _, c := range cases {
		got, ok := reg.roleOf(c.rng)
		if !ok || got != c.role {
			t.Errorf("role = %s, want %s", got, c.role)
		}
	}
}

func TestConcurrentAllocateAndRegister(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	specs := buffer.Specs{{Name: "points", Tuple: float3}}

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ranges []*aggregate.Range
		firsts int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := reg.AllocateRange(specs, aggregate.HintVertex, 4)
			_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(4, float32(i)), 1))
			inst := reg.RegisterComputePipeline(42)
			if inst.IsFirstInstance() {
				inst.SetValue(gpucore.ComputePipelineID(7))
			}
			id, err := inst.Value()
			if err != nil || id != 7 {
				t.Errorf("Value() = %d, %v", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			ranges = append(ranges, rng)
			if inst.IsFirstInstance() {
				firsts++
			}
		}()
	}
	wg.Wait()
	commit(t, reg)

	if firsts != 1 {
		t.Errorf("expected exactly one first instance, got %d", firsts)
	}
	if reg.Counters().Get(perf.InstanceHits) != workers-1 {
		t.Errorf("expected %d hits, got %d", workers-1, reg.Counters().Get(perf.InstanceHits))
	}
	for i, a := range ranges {
		sa, ea := extent(t, a)
		for _, b := range ranges[i+1:] {
			sb, eb := extent(t, b)
			if sa < eb && sb < ea {
				t.Fatalf("ranges overlap: [%d,%d) [%d,%d)", sa, ea, sb, eb)
			}
		}
	}
}

func extent(t *testing.T, rng *aggregate.Range) (uint64, uint64) {
	t.Helper()
	res, ok := rng.Resource("points")
	if !ok {
		t.Fatal("points not committed")
	}
	return res.Extent()
}

// =============================================================================
// Commit
// =============================================================================

func TestBasicAggregation(t *testing.T) {
	reg, dev, _ := newTestRegistry(t)
	specs := buffer.Specs{{Name: "points", Tuple: float3}}

	sizes := []int{10, 20, 5}
	ranges := make([]*aggregate.Range, len(sizes))
	for i, n := range sizes {
		ranges[i] = reg.AllocateRange(specs, aggregate.HintVertex, n)
		if err := reg.AddSources(ranges[i], buffer.NewArraySource("points", pointsN(n, float32(100*i)), 1)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	commit(t, reg)

	var buf gpucore.BufferID
	offset := uint64(0)
	for i, rng := range ranges {
		res, ok := rng.Resource("points")
		if !ok {
			t.Fatalf("range %d: points missing", i)
		}
		if i == 0 {
			buf = res.Buffer
		} else if res.Buffer != buf {
			t.Errorf("range %d is in a different buffer", i)
		}
		if res.Offset != offset {
			t.Errorf("range %d offset = %d, want %d", i, res.Offset, offset)
		}
		offset += uint64(sizes[i]) * 12
		if res.AllocationSize < 35*12 {
			t.Errorf("buffer holds %d bytes, want >= %d", res.AllocationSize, 35*12)
		}
	}

	ranges[1].Release()
	if !reg.NeedsGarbageCollection() {
		t.Error("release should flag garbage collection")
	}
	if err := reg.GarbageCollectIfNeeded(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ := ranges[2].Resource("points")
	if res.AllocationSize < 15*12 || res.AllocationSize >= 35*12 {
		t.Errorf("compacted buffer holds %d bytes, want [%d, %d)", res.AllocationSize, 15*12, 35*12)
	}
	if got := readPoints(t, ranges[2], "points"); !slices.Equal(got, pointsN(5, 200)) {
		t.Errorf("compaction changed content: %v", got)
	}
	if dev.LiveBuffers() != 1 {
		t.Errorf("expected 1 live buffer, got %d", dev.LiveBuffers())
	}
}

func TestResolveErrorIsolation(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	specs := buffer.Specs{{Name: "points", Tuple: float3}, {Name: "uv", Tuple: float2}}
	rng := reg.AllocateRange(specs, aggregate.HintVertex, 5)
	rng.SetOwner("/mesh")

	uv := buffer.NewValueSource("uv", float2, [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0.5, 0.5}})
	if err := reg.AddSources(rng, buffer.NewArraySource("points", pointsN(5, 0), 1), uv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	commit(t, reg)

	res, ok := rng.Resource("points")
	if !ok || res.NumElements != 5 {
		t.Fatalf("expected 5 points, got %v %v", res, ok)
	}
	if _, ok := rng.Resource("uv"); ok {
		t.Error("uv must be absent")
	}
	if got := rec.Count(diag.SeverityWarning); got != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", got, rec.Diagnostics())
	}
	d := rec.Diagnostics()[0]
	if d.Prim != "/mesh" || d.Attribute != "uv" || !errors.Is(d.Err, buffer.ErrTypeMismatch) {
		t.Errorf("unexpected diagnostic %v", d)
	}
	if reg.Counters().Get(perf.ResolveErrors) != 1 {
		t.Errorf("expected 1 resolve error counted")
	}
}

func TestAddSourcesSupersedes(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex, 2)

	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(2, 0), 1))
	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(2, 50), 1))
	_ = reg.AddSources(rng, buffer.NewArraySource("normals", pointsN(2, 0), 1))
	if err := reg.AddSources(rng); !errors.Is(err, ErrNoSources) {
		t.Errorf("expected ErrNoSources, got %v", err)
	}
	commit(t, reg)

	if got := readPoints(t, rng, "points"); !slices.Equal(got, pointsN(2, 50)) {
		t.Errorf("later source should win, got %v", got)
	}
	if rec.Count(diag.SeverityWarning) != 1 {
		t.Errorf("expected 1 warning for the unknown attribute, got %v", rec.Diagnostics())
	}
}

func TestFirstSourceSizesRange(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex, 1)
	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(7, 0), 1))
	commit(t, reg)

	if rng.NumElements() != 7 {
		t.Errorf("NumElements = %d, want 7", rng.NumElements())
	}
	if got := readPoints(t, rng, "points"); !slices.Equal(got, pointsN(7, 0)) {
		t.Errorf("points = %v", got)
	}
}

func TestCPUComputationCommitted(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	points := buffer.NewArraySource("points", [][3]float32{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}, 1)
	topo := compute.Topology{FaceVertexCounts: []int32{4}, FaceVertexIndices: []int32{0, 1, 2, 3}}
	normals := compute.NewSmoothNormals(points, topo, "normals")

	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}, {Name: "normals", Tuple: float3}}, aggregate.HintVertex, 4)
	reg.AddSource(normals)
	_ = reg.AddSources(rng, normals.OutputSource("normals"), points)
	commit(t, reg)

	for i, n := range readPoints(t, rng, "normals") {
		if n != [3]float32{0, 0, 1} {
			t.Errorf("normal %d = %v", i, n)
		}
	}
	if len(rec.Diagnostics()) != 0 {
		t.Errorf("unexpected diagnostics %v", rec.Diagnostics())
	}
}

func TestCPUComputationErrorDropsOutputs(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	bad := buffer.NewValueSource("points", float3, []float64{1, 2, 3})
	comp := compute.NewCPUComputation("split", []buffer.Source{bad},
		buffer.Specs{{Name: "a", Tuple: float3}, {Name: "b", Tuple: float3}},
		func(compute.Inputs, *compute.Outputs) error { return nil })

	rng := reg.AllocateRange(buffer.Specs{{Name: "a", Tuple: float3}, {Name: "b", Tuple: float3}}, aggregate.HintVertex, 1)
	_ = reg.AddSources(rng, comp.OutputSource("a"), comp.OutputSource("b"))
	commit(t, reg)

	if len(rng.Resources()) != 0 {
		t.Errorf("no output should be committed, got %v", rng.Resources())
	}
	if rec.Count(diag.SeverityWarning) != 2 {
		t.Errorf("expected one warning per output, got %v", rec.Diagnostics())
	}
}

// cycleSource depends on itself through a partner and never resolves.
type cycleSource struct {
	*buffer.ArraySource
	dep buffer.Source
}

func (c *cycleSource) Dependencies() []buffer.Source { return []buffer.Source{c.dep} }
func (c *cycleSource) Resolve() bool                 { return false }

func TestDependencyCycleReported(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	a := &cycleSource{ArraySource: buffer.NewArraySource("a", pointsN(1, 0), 1)}
	b := &cycleSource{ArraySource: buffer.NewArraySource("b", pointsN(1, 0), 1), dep: a}
	a.dep = b

	rng := reg.AllocateRange(buffer.Specs{{Name: "a", Tuple: float3}, {Name: "p", Tuple: float3}}, aggregate.HintVertex, 1)
	_ = reg.AddSources(rng, a, buffer.NewArraySource("p", pointsN(1, 0), 1))
	commit(t, reg)

	if _, ok := rng.Resource("p"); !ok {
		t.Error("independent source should still commit")
	}
	diags := rec.Diagnostics()
	if len(diags) != 1 || !errors.Is(diags[0].Err, ErrUnresolved) {
		t.Errorf("expected one ErrUnresolved warning, got %v", diags)
	}
}

func TestCommitCanceled(t *testing.T) {
	reg, dev, _ := newTestRegistry(t)
	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex, 1)
	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(1, 0), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.Commit(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if dev.Stats().BuffersCreated != 0 {
		t.Error("canceled commit must not touch the device")
	}
	if !reg.HasPendingWork() {
		t.Fatal("canceled work should stay queued")
	}
	commit(t, reg)
	if _, ok := rng.Resource("points"); !ok {
		t.Error("points should commit on the next pass")
	}
}

// =============================================================================
// Computations
// =============================================================================

// registerScale registers a kernel writing 2 x input into output using the
// (offset, stride, components) param block.
func registerScale(dev *software.Device, label, in, out string) *gpucore.Kernel {
	return dev.RegisterKernel(label,
		[]gpucore.KernelBinding{{Name: in, Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer}},
		[]gpucore.KernelBinding{{Name: out, Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		func(inv *software.Invocation) error {
			p := safeish.SliceCast[[]uint32](inv.Constants)
			dst := safeish.SliceCast[[]float32](inv.Buffer(0))
			src := safeish.SliceCast[[]float32](inv.Buffer(1))
			for i := range int(p[0]) {
				for c := range int(p[3]) {
					dst[int(p[1])+i*int(p[2])+c] = 2 * src[int(p[4])+i*int(p[5])+c]
				}
			}
			return nil
		})
}

func TestGPUComputationOrdering(t *testing.T) {
	reg, dev, _ := newTestRegistry(t)
	skin := registerScale(dev, "A", "restPoints", "skinnedPoints")
	deform := registerScale(dev, "B", "skinnedPoints", "points")

	input := reg.AllocateRange(buffer.Specs{{Name: "restPoints", Tuple: float3}}, aggregate.HintStorage, 3)
	_ = reg.AddSources(input, buffer.NewArraySource("restPoints", pointsN(3, 1), 1))
	mid := reg.AllocateRange(buffer.Specs{{Name: "skinnedPoints", Tuple: float3}}, aggregate.HintStorage, 3)
	out := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex|aggregate.HintStorage, 3)

	a := compute.NewGPUComputation("A", skin, []*aggregate.Range{input}, buffer.Specs{{Name: "skinnedPoints", Tuple: float3}}, 3, 3)
	b := compute.NewGPUComputation("B", deform, []*aggregate.Range{mid}, buffer.Specs{{Name: "points", Tuple: float3}}, 3, 3)
	// Queue the consumer first; dependency order must still run A first.
	_ = reg.AddComputation(out, b, 1)
	_ = reg.AddComputation(mid, a, 1)
	commit(t, reg)

	dispatches := dev.Dispatches()
	if len(dispatches) != 2 || dispatches[0].Label != "A" || dispatches[1].Label != "B" {
		t.Fatalf("dispatch order = %v", dispatches)
	}
	written, _ := a.BoundResource("skinnedPoints")
	read, _ := b.BoundResource("skinnedPoints")
	if written.Buffer != read.Buffer || written.Offset != read.Offset {
		t.Errorf("B read %s, A wrote %s", read, written)
	}
	if a.Phase() != compute.PhaseCompleted || b.Phase() != compute.PhaseCompleted {
		t.Errorf("phases = %s, %s", a.Phase(), b.Phase())
	}

	want := pointsN(3, 1)
	for i := range want {
		for c := range 3 {
			want[i][c] *= 4
		}
	}
	if got := readPoints(t, out, "points"); !slices.Equal(got, want) {
		t.Errorf("points = %v, want %v", got, want)
	}
}

func TestUnsupportedBindingSkipsDispatch(t *testing.T) {
	reg, dev, rec := newTestRegistry(t)
	kernel := dev.RegisterKernel("tex",
		[]gpucore.KernelBinding{{Name: "image", Binding: 1, Type: gpucore.BindingTypeSampledTexture}},
		[]gpucore.KernelBinding{{Name: "points", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		nil)
	dst := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintStorage, 1)
	_ = reg.AddComputation(dst, compute.NewGPUComputation("tex", kernel, nil, buffer.Specs{{Name: "points", Tuple: float3}}, 1, 1), 0)
	commit(t, reg)

	if len(dev.Dispatches()) != 0 {
		t.Error("dispatch must be skipped")
	}
	if rec.Count(diag.SeverityError) != 1 {
		t.Errorf("expected 1 error diagnostic, got %v", rec.Diagnostics())
	}
}

func TestAddComputationInvalidQueue(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dst := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintStorage, 1)
	if err := reg.AddComputation(dst, nil, NumQueues); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("expected ErrInvalidQueue, got %v", err)
	}
}

// =============================================================================
// Fan-in
// =============================================================================

func TestSharedInputRange(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	inputs := func() []buffer.Source {
		return []buffer.Source{
			buffer.NewArraySource("restPoints", pointsN(4, 0), 1),
			buffer.NewArraySource("weights", []float32{1, 1, 1, 1}, 1),
		}
	}

	a, err := reg.AllocateSharedInputRange(inputs(), aggregate.HintStorage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := reg.AllocateSharedInputRange(inputs(), aggregate.HintStorage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatal("identical inputs must share one range")
	}

	swapped := inputs()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	c, err := reg.AllocateSharedInputRange(swapped, aggregate.HintStorage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == a {
		t.Error("reordered inputs must not collide")
	}

	commit(t, reg)
	if got := readPoints(t, a, "restPoints"); !slices.Equal(got, pointsN(4, 0)) {
		t.Errorf("restPoints = %v", got)
	}

	// Both consumers of a release; the cached reference is dropped by GC.
	a.Release()
	b.Release()
	c.Release()
	if err := reg.GarbageCollect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc := reg.ResourceAllocation(); alloc.SharedRanges != 0 || alloc.Bytes() != 0 {
		t.Errorf("expected everything collected, got %s", alloc)
	}
}

func TestSharedInputRangeDisabled(t *testing.T) {
	dev := software.New()
	reg, err := New(dev, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reg.Destroy()

	src := func() []buffer.Source { return []buffer.Source{buffer.NewArraySource("w", []float32{1}, 1)} }
	a, _ := reg.AllocateSharedInputRange(src(), 0)
	b, _ := reg.AllocateSharedInputRange(src(), 0)
	if a == b {
		t.Error("sharing disabled must allocate private ranges")
	}
}

func TestSharedInputRangeMixedLengths(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	// The short input comes first; the range must keep the longest length.
	rng, err := reg.AllocateSharedInputRange([]buffer.Source{
		buffer.NewArraySource("jointWeights", []float32{0.25, 0.75}, 1),
		buffer.NewArraySource("restPoints", pointsN(10, 0), 1),
	}, aggregate.HintStorage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rng.Release()
	commit(t, reg)

	if rng.NumElements() != 10 {
		t.Errorf("NumElements = %d, want 10", rng.NumElements())
	}
	if got := readPoints(t, rng, "restPoints"); !slices.Equal(got, pointsN(10, 0)) {
		t.Errorf("restPoints = %v", got)
	}
	if len(rec.Diagnostics()) != 0 {
		t.Errorf("unexpected diagnostics %v", rec.Diagnostics())
	}
}

func TestSourceLargerThanRangeWarns(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}, {Name: "rest", Tuple: float3}}, aggregate.HintVertex, 3)
	_ = reg.AddSources(rng,
		buffer.NewArraySource("points", pointsN(3, 0), 1),
		buffer.NewArraySource("rest", pointsN(5, 0), 1),
	)
	commit(t, reg)

	if rng.NumElements() != 3 {
		t.Fatalf("NumElements = %d, want 3", rng.NumElements())
	}
	diags := rec.Diagnostics()
	if len(diags) != 1 || diags[0].Attribute != "rest" || !errors.Is(diags[0].Err, ErrTruncated) {
		t.Errorf("expected one truncation warning for rest, got %v", diags)
	}
}

// =============================================================================
// Migration
// =============================================================================

func TestUpdateRangeMigrates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	specs := buffer.Specs{{Name: "points", Tuple: float3}}
	rng := reg.AllocateRange(specs, aggregate.HintVertex, 3)
	rng.SetOwner("/mesh")
	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(3, 9), 1))
	commit(t, reg)

	// Adding an attribute changes the signature.
	normals := buffer.Specs{{Name: "normals", Tuple: float3}}
	next := reg.UpdateRange(rng, normals, nil, aggregate.HintVertex, 3)
	if next == rng {
		t.Fatal("expected a new range")
	}
	if next.Owner() != "/mesh" {
		t.Errorf("owner not carried over: %q", next.Owner())
	}
	_ = reg.AddSources(next, buffer.NewArraySource("normals", pointsN(3, 0), 1))
	commit(t, reg)

	if got := readPoints(t, next, "points"); !slices.Equal(got, pointsN(3, 9)) {
		t.Errorf("migrated points = %v", got)
	}
	if !rng.IsReleased() {
		t.Error("old range should be released after migration")
	}
	if err := reg.GarbageCollect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.ResourceAllocation().Roles[RoleNonUniform].Ranges; got != 1 {
		t.Errorf("expected 1 live range, got %d", got)
	}
}

func TestUpdateRangeReusesMutable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	specs := buffer.Specs{{Name: "points", Tuple: float3}, {Name: "normals", Tuple: float3}}
	rng := reg.AllocateRange(specs, aggregate.HintVertex, 3)

	if got := reg.UpdateRange(rng, specs[:1], nil, aggregate.HintVertex, 4); got != rng {
		t.Error("subset update of a mutable range must reuse it")
	}
	if rng.NumElements() != 4 {
		t.Errorf("NumElements = %d, want 4", rng.NumElements())
	}

	immutable := reg.AllocateRange(specs, aggregate.HintVertex|aggregate.HintImmutable, 3)
	if got := reg.UpdateRange(immutable, specs[:1], nil, aggregate.HintVertex|aggregate.HintImmutable, 3); got == immutable {
		t.Error("immutable ranges must migrate on update")
	}

	removed := reg.UpdateRange(rng, nil, specs[1:], aggregate.HintVertex, 4)
	if removed == rng || len(removed.Specs()) != 1 || removed.Specs()[0].Name != "points" {
		t.Errorf("removal should migrate to points only, got %v", removed.Specs())
	}
}

// =============================================================================
// Garbage collection and lifetime
// =============================================================================

func TestGarbageCollectReleasesEverything(t *testing.T) {
	reg, dev, _ := newTestRegistry(t)
	kernel := registerScale(dev, "scale", "points", "scaled")

	in := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintStorage, 2)
	_ = reg.AddSources(in, buffer.NewArraySource("points", pointsN(2, 0), 1))
	out := reg.AllocateRange(buffer.Specs{{Name: "scaled", Tuple: float3}}, aggregate.HintStorage, 2)
	_ = reg.AddComputation(out, compute.NewGPUComputation("scale", kernel, []*aggregate.Range{in},
		buffer.Specs{{Name: "scaled", Tuple: float3}}, 2, 2), 0)
	commit(t, reg)

	if alloc := reg.ResourceAllocation(); alloc.Bindings != 1 || alloc.Pipelines != 1 {
		t.Errorf("expected one pipeline and binding, got %s", alloc)
	}

	in.Release()
	out.Release()
	// First collection keeps bindings used since the previous one.
	if err := reg.GarbageCollect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.GarbageCollect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alloc := reg.ResourceAllocation()
	if alloc.Bytes() != 0 || alloc.Bindings != 0 {
		t.Errorf("expected no memory and no bindings, got %s", alloc)
	}
	if dev.LiveBuffers() != 0 {
		t.Errorf("expected no live buffers, got %d", dev.LiveBuffers())
	}
}

func TestMetricsExported(t *testing.T) {
	dev := software.New()
	promReg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Registerer = promReg
	cfg.Label = "metrics"
	reg, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reg.Destroy()

	rng := reg.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintVertex, 4)
	_ = reg.AddSources(rng, buffer.NewArraySource("points", pointsN(4, 0), 1))
	commit(t, reg)

	if got := testutil.ToFloat64(reg.Counters().EventCollector(perf.Commits)); got != 1 {
		t.Errorf("commits metric = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(promReg, "gpures_gpu_memory_bytes"); err != nil || n != int(numRoles) {
		t.Errorf("memory gauges = %d, %v", n, err)
	}
}

func TestRegistries(t *testing.T) {
	rs := NewRegistries(DefaultConfig())
	devA, devB := software.New(), software.New()

	a1, err := rs.Acquire(devA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, _ := rs.Acquire(devA)
	b, _ := rs.Acquire(devB)
	if a1 != a2 {
		t.Error("same device must share a registry")
	}
	if a1 == b {
		t.Error("different devices must not share a registry")
	}
	if rs.Len() != 2 || rs.RefCount(devA) != 2 {
		t.Errorf("Len = %d, RefCount = %d", rs.Len(), rs.RefCount(devA))
	}

	_ = rs.Release(a1)
	if rs.Len() != 2 {
		t.Error("registry must live while held")
	}
	_ = rs.Release(a2)
	if rs.Len() != 1 {
		t.Error("last release must remove the registry")
	}
	if err := a1.Commit(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	if err := rs.Release(a1); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}

	a3, _ := rs.Acquire(devA)
	if a3 == a1 {
		t.Error("reacquire after last release must create a new registry")
	}
	_ = rs.Release(a3)
	_ = rs.Release(b)
}
