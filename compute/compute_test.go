package compute

import (
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/backend/software"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/cache"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/perf"
)

// testExecutor is a minimal single-queue executor.
type testExecutor struct {
	dev       *software.Device
	pipelines *cache.Registry[gpucore.ComputePipelineID]
	bindings  *cache.Registry[gpucore.ResourceBindingsID]
	enc       gpucore.ComputeEncoder
	counters  *perf.Counters
}

func newTestExecutor(t *testing.T, dev *software.Device) *testExecutor {
	return &testExecutor{
		dev:       dev,
		pipelines: cache.NewRegistry[gpucore.ComputePipelineID](nil),
		bindings:  cache.NewRegistry[gpucore.ResourceBindingsID](nil),
		counters:  perf.New(nil, t.Name()),
	}
}

func (x *testExecutor) Device() gpucore.Device { return x.dev }

func (x *testExecutor) RegisterComputePipeline(key uint64) *cache.Instance[gpucore.ComputePipelineID] {
	return x.pipelines.Register(key)
}

func (x *testExecutor) RegisterResourceBindings(key uint64) *cache.Instance[gpucore.ResourceBindingsID] {
	return x.bindings.Register(key)
}

func (x *testExecutor) Encoder() (gpucore.ComputeEncoder, error) {
	if x.enc == nil {
		enc, err := x.dev.BeginComputeEncoding()
		if err != nil {
			return nil, err
		}
		x.enc = enc
	}
	return x.enc, nil
}

func (x *testExecutor) Barrier() error {
	if x.enc == nil {
		return nil
	}
	enc := x.enc
	x.enc = nil
	return enc.Submit()
}

func (x *testExecutor) Counters() *perf.Counters { return x.counters }
func (x *testExecutor) Diagnostics() diag.Sink   { return nil }

// pendingSource stays unresolved until ready is set.
type pendingSource struct {
	*buffer.ArraySource
	ready atomic.Bool
}

func (s *pendingSource) Resolve() bool {
	if !s.ready.Load() {
		return false
	}
	return s.ArraySource.Resolve()
}

var float3 = buffer.Tuple(buffer.Float3, 1)

// =============================================================================
// CPU computations
// =============================================================================

func doubleKernel(in Inputs, out *Outputs) error {
	src, _ := in.Get("points")
	pts := safeish.SliceCast[[][3]float32](src.Data())
	doubled := make([][3]float32, len(pts))
	for i, p := range pts {
		doubled[i] = [3]float32{2 * p[0], 2 * p[1], 2 * p[2]}
	}
	return SetOutput(out, "doubled", doubled)
}

func TestCPUComputationWaitsForInputs(t *testing.T) {
	points := &pendingSource{ArraySource: buffer.NewArraySource("points", [][3]float32{{1, 2, 3}}, 1)}
	comp := NewCPUComputation("double", []buffer.Source{points},
		buffer.Specs{{Name: "doubled", Tuple: float3}}, doubleKernel)
	out := comp.OutputSource("doubled")

	if comp.Phase() != PhaseCreated {
		t.Errorf("expected created, got %s", comp.Phase())
	}
	if comp.Resolve() {
		t.Fatal("computation must not resolve before its inputs")
	}
	if comp.Phase() != PhaseInputsPending {
		t.Errorf("expected inputsPending, got %s", comp.Phase())
	}
	if out.NumElements() != 0 {
		t.Error("output must be empty before resolve")
	}

	points.ready.Store(true)
	if !out.Resolve() {
		t.Fatal("expected resolve once inputs are ready")
	}
	if comp.Phase() != PhaseResolved {
		t.Errorf("expected resolved, got %s", comp.Phase())
	}
	got := safeish.SliceCast[[][3]float32](out.Data())
	if !slices.Equal(got, [][3]float32{{2, 4, 6}}) {
		t.Errorf("doubled = %v", got)
	}
	if out.Tuple() != float3 || out.NumElements() != 1 {
		t.Errorf("unexpected output %s x %d", out.Tuple(), out.NumElements())
	}
	if i, ok := comp.OutputIndex("doubled"); !ok || i != 0 {
		t.Errorf("OutputIndex = %d, %v", i, ok)
	}
	if deps := out.(buffer.Dependent).Dependencies(); len(deps) != 1 || deps[0] != buffer.Source(comp) {
		t.Error("output source should depend on its computation")
	}
}

func TestCPUComputationErrorMarksAllOutputs(t *testing.T) {
	bad := buffer.NewValueSource("points", float3, [][3]float64{{1, 2, 3}})
	comp := NewCPUComputation("split", []buffer.Source{bad},
		buffer.Specs{{Name: "a", Tuple: float3}, {Name: "b", Tuple: float3}},
		func(Inputs, *Outputs) error { t.Error("kernel must not run"); return nil })

	a, b := comp.OutputSource("a"), comp.OutputSource("b")
	if !a.Resolve() {
		t.Fatal("failed input should still reach a terminal state")
	}
	for _, out := range []buffer.Source{a, b} {
		if out.State() != buffer.StateError {
			t.Errorf("%s: expected error state, got %s", out.Name(), out.State())
		}
		if !errors.Is(out.Err(), buffer.ErrUpstreamFailed) {
			t.Errorf("%s: expected ErrUpstreamFailed, got %v", out.Name(), out.Err())
		}
	}
}

func TestCPUComputationMissingOutput(t *testing.T) {
	points := buffer.NewArraySource("points", [][3]float32{{1, 2, 3}}, 1)
	comp := NewCPUComputation("partial", []buffer.Source{points},
		buffer.Specs{{Name: "doubled", Tuple: float3}, {Name: "other", Tuple: float3}}, doubleKernel)
	comp.Resolve()
	if !errors.Is(comp.Err(), ErrMissingOutput) {
		t.Errorf("expected ErrMissingOutput, got %v", comp.Err())
	}
}

func TestSetOutputTypeCheck(t *testing.T) {
	out := &Outputs{
		specs: buffer.Specs{{Name: "n", Tuple: float3}},
		index: map[string]int{"n": 0},
		data:  make([][]byte, 1), count: make([]int, 1), set: make([]bool, 1),
	}
	if err := SetOutput(out, "n", []float32{1, 2, 3}); !errors.Is(err, buffer.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if err := SetOutput(out, "x", [][3]float32{{}}); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("expected ErrUnknownOutput, got %v", err)
	}
}

func TestSmoothNormals(t *testing.T) {
	// Unit quad in the XY plane, counter-clockwise.
	points := buffer.NewArraySource("points", [][3]float32{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}, 1)
	topo := Topology{FaceVertexCounts: []int32{4}, FaceVertexIndices: []int32{0, 1, 2, 3}}
	normals := NewSmoothNormals(points, topo, "normals").OutputSource("normals")

	if !normals.Resolve() || normals.State() != buffer.StateResolved {
		t.Fatalf("unexpected error: %v", normals.Err())
	}
	for i, n := range safeish.SliceCast[[][3]float32](normals.Data()) {
		if n != [3]float32{0, 0, 1} {
			t.Errorf("normal %d = %v, want +Z", i, n)
		}
	}
}

func TestSmoothNormalsBadTopology(t *testing.T) {
	points := buffer.NewArraySource("points", [][3]float32{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}}, 1)
	topo := Topology{FaceVertexCounts: []int32{3}, FaceVertexIndices: []int32{0, 1, 7}}
	normals := NewSmoothNormals(points, topo, "normals").OutputSource("normals")
	normals.Resolve()
	if normals.State() != buffer.StateError {
		t.Errorf("expected error for out of range index, got %s", normals.State())
	}
}

// =============================================================================
// GPU computations
// =============================================================================

type gpuFixture struct {
	dev      *software.Device
	strategy *aggregate.Strategy
	ranges   *aggregate.Registry
	exec     *testExecutor
	kernel   *gpucore.Kernel
}

// newGPUFixture registers a kernel writing 2 x input into output. The param
// block is [n, outOff, outStride, outComps, inOff, inStride, inComps] in
// float units.
func newGPUFixture(t *testing.T) *gpuFixture {
	t.Helper()
	dev := software.New()
	kernel := dev.RegisterKernel("scale",
		[]gpucore.KernelBinding{{Name: "points", Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer}},
		[]gpucore.KernelBinding{{Name: "scaled", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		func(inv *software.Invocation) error {
			p := safeish.SliceCast[[]uint32](inv.Constants)
			out := safeish.SliceCast[[]float32](inv.Buffer(0))
			in := safeish.SliceCast[[]float32](inv.Buffer(1))
			for i := range int(p[0]) {
				for c := range int(p[3]) {
					out[int(p[1])+i*int(p[2])+c] = 2 * in[int(p[4])+i*int(p[5])+c]
				}
			}
			return nil
		})
	s := aggregate.NewStrategy("test", aggregate.LayoutSoA, dev, aggregate.Config{}, nil, nil)
	return &gpuFixture{dev: dev, strategy: s, ranges: aggregate.NewRegistry(s), exec: newTestExecutor(t, dev), kernel: kernel}
}

func (f *gpuFixture) inputRange(t *testing.T, values [][3]float32) *aggregate.Range {
	t.Helper()
	r := f.ranges.AllocateRange(buffer.Specs{{Name: "points", Tuple: float3}}, aggregate.HintStorage, len(values))
	if err := f.ranges.ReallocateAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src := buffer.NewArraySource("points", values, 1)
	src.Resolve()
	if err := r.CopyData(src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.strategy.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func (f *gpuFixture) outputRange(t *testing.T, n int) *aggregate.Range {
	t.Helper()
	r := f.ranges.AllocateRange(buffer.Specs{{Name: "scaled", Tuple: float3}}, aggregate.HintStorage, n)
	if err := f.ranges.ReallocateAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestGPUComputationDispatch(t *testing.T) {
	f := newGPUFixture(t)
	in := f.inputRange(t, [][3]float32{{1, 2, 3}, {4, 5, 6}})
	dst := f.outputRange(t, 2)

	comp := NewGPUComputation("scale", f.kernel, []*aggregate.Range{in},
		buffer.Specs{{Name: "scaled", Tuple: float3}}, 2, 2)
	if err := comp.Execute(dst, f.exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comp.Phase() != PhaseDispatched {
		t.Errorf("expected dispatched, got %s", comp.Phase())
	}
	if err := f.exec.Barrier(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	comp.Complete()
	if comp.Phase() != PhaseCompleted {
		t.Errorf("expected completed, got %s", comp.Phase())
	}

	data, err := dst.ReadData("scaled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := safeish.SliceCast[[][3]float32](data); !slices.Equal(got, [][3]float32{{2, 4, 6}, {8, 10, 12}}) {
		t.Errorf("scaled = %v", got)
	}
	if _, ok := dst.Resource("scaled"); !ok {
		t.Error("dispatched output should be exposed")
	}

	bound := comp.Bound()
	if len(bound) != 2 || bound[0].Name != "scaled" || bound[1].Name != "points" {
		t.Fatalf("expected outputs first in kernel order, got %+v", bound)
	}
	want, _ := in.Resource("points")
	if got, _ := comp.BoundResource("points"); got.Buffer != want.Buffer || got.Offset != want.Offset {
		t.Errorf("bound %s, want %s", got, want)
	}
	if f.exec.counters.Get(perf.Dispatches) != 1 {
		t.Errorf("expected 1 dispatch counted")
	}
}

func TestGPUComputationPipelineCachedOnce(t *testing.T) {
	f := newGPUFixture(t)
	in := f.inputRange(t, [][3]float32{{1, 1, 1}})
	a := f.outputRange(t, 1)
	b := f.outputRange(t, 1)

	specs := buffer.Specs{{Name: "scaled", Tuple: float3}}
	for _, dst := range []*aggregate.Range{a, b} {
		comp := NewGPUComputation("scale", f.kernel, []*aggregate.Range{in}, specs, 1, 1)
		if err := comp.Execute(dst, f.exec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := f.exec.Barrier(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := f.dev.Stats()
	if stats.PipelinesCreated != 1 {
		t.Errorf("expected 1 pipeline, got %d", stats.PipelinesCreated)
	}
	// a and b share one output buffer, so the bindings are shared too.
	if stats.BindingsCreated != 1 {
		t.Errorf("expected 1 bindings object, got %d", stats.BindingsCreated)
	}
	if stats.Dispatches != 2 {
		t.Errorf("expected 2 dispatches, got %d", stats.Dispatches)
	}
}

func TestGPUComputationUnsupportedBinding(t *testing.T) {
	f := newGPUFixture(t)
	kernel := f.dev.RegisterKernel("textured",
		[]gpucore.KernelBinding{{Name: "tex", Binding: 1, Type: gpucore.BindingTypeSampledTexture}},
		[]gpucore.KernelBinding{{Name: "scaled", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		nil)
	dst := f.outputRange(t, 1)
	comp := NewGPUComputation("textured", kernel, nil, buffer.Specs{{Name: "scaled", Tuple: float3}}, 1, 1)

	if err := comp.Execute(dst, f.exec); !errors.Is(err, ErrUnsupportedBinding) {
		t.Errorf("expected ErrUnsupportedBinding, got %v", err)
	}
	if f.dev.Stats().PipelinesCreated != 0 {
		t.Error("dispatch must be skipped")
	}
}

func TestGPUComputationMissingInput(t *testing.T) {
	f := newGPUFixture(t)
	dst := f.outputRange(t, 1)
	comp := NewGPUComputation("scale", f.kernel, nil, buffer.Specs{{Name: "scaled", Tuple: float3}}, 1, 1)
	if err := comp.Execute(dst, f.exec); !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput, got %v", err)
	}
}

// =============================================================================
// Copy computations
// =============================================================================

func TestCopyComputation(t *testing.T) {
	f := newGPUFixture(t)
	src := f.inputRange(t, [][3]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}})
	specs := buffer.Specs{{Name: "points", Tuple: float3}, {Name: "uv", Tuple: buffer.Tuple(buffer.Float2, 1)}}
	dst := f.ranges.AllocateRange(specs, aggregate.HintVertex, 3)
	if err := f.ranges.ReallocateAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refs := src.RefCount()
	comp := NewCopyComputation(src, buffer.Specs{specs[0]})
	if src.RefCount() != refs+1 {
		t.Error("copy should retain its source")
	}
	if comp.NumOutputElements() != 3 {
		t.Errorf("expected 3 output elements, got %d", comp.NumOutputElements())
	}
	if err := comp.Execute(dst, f.exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.RefCount() != refs {
		t.Error("copy should release its source after execution")
	}

	data, err := dst.ReadData("points")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := safeish.SliceCast[[][3]float32](data); !slices.Equal(got, [][3]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}) {
		t.Errorf("copied points = %v", got)
	}
	if _, ok := dst.Resource("uv"); ok {
		t.Error("uv was not copied")
	}
	if f.exec.counters.Get(perf.CopyGPUToGPU) != 1 {
		t.Errorf("expected 1 device copy, got %d", f.exec.counters.Get(perf.CopyGPUToGPU))
	}
}

func TestExtComputation(t *testing.T) {
	e := &ExtComputation{
		ID:                "skin",
		ElementCount:      8,
		SceneInputs:       []string{"restPoints"},
		ComputationInputs: []ComputationInput{{Name: "xforms", Source: "xformComp", Output: "matrices"}},
	}
	if !e.IsPassThrough() || e.IsGPU() {
		t.Error("computation without kernels passes through")
	}
	if e.Dispatch() != 8 {
		t.Errorf("dispatch should default to element count, got %d", e.Dispatch())
	}
	if got := e.InputNames(); !slices.Equal(got, []string{"restPoints", "xforms"}) {
		t.Errorf("InputNames = %v", got)
	}
}
