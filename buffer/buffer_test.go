package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/diag"
)

// =============================================================================
// Types
// =============================================================================

func TestElementTypeSizes(t *testing.T) {
	tests := []struct {
		typ  ElementType
		size int
		name string
	}{
		{Float, 4, "float"},
		{Float3, 12, "float3"},
		{Double2, 16, "double2"},
		{Int4, 16, "int4"},
		{Mat4d, 128, "mat4d"},
		{Mat3f, 36, "mat3f"},
	}
	for _, tt := range tests {
		if got := tt.typ.Size(); got != tt.size {
			t.Errorf("%s: expected size %d, got %d", tt.name, tt.size, got)
		}
		if got := tt.typ.String(); got != tt.name {
			t.Errorf("expected name %q, got %q", tt.name, got)
		}
	}

	if got := Tuple(Float3, 1).String(); got != "float3x1" {
		t.Errorf("expected float3x1, got %s", got)
	}
	if got := Tuple(Mat4d, 2).Size(); got != 256 {
		t.Errorf("expected 256 bytes, got %d", got)
	}
}

func TestElementTypeOf(t *testing.T) {
	if ElementTypeOf[[3]float32]() != Float3 {
		t.Error("[3]float32 should map to float3")
	}
	if ElementTypeOf[[2]float64]() != Double2 {
		t.Error("[2]float64 should map to double2")
	}
	if ElementTypeOf[int32]() != Int {
		t.Error("int32 should map to int")
	}
}

// =============================================================================
// Specs
// =============================================================================

func TestSpecsSetOperations(t *testing.T) {
	points := Spec{"points", Tuple(Float3, 1)}
	normals := Spec{"normals", Tuple(Float3, 1)}
	uv := Spec{"uv", Tuple(Float2, 1)}

	a := Specs{points, normals}
	b := Specs{normals, points}
	if !a.Equal(b) {
		t.Error("specs with the same members should be equal")
	}
	if a.Hash() != b.Hash() {
		t.Error("signature hash should not depend on order")
	}

	if !(Specs{points}).IsSubsetOf(a) {
		t.Error("points should be a subset")
	}
	if (Specs{uv}).IsSubsetOf(a) {
		t.Error("uv should not be a subset")
	}
	retyped := Spec{"points", Tuple(Double3, 1)}
	if (Specs{retyped}).IsSubsetOf(a) {
		t.Error("a retyped spec should not be a subset")
	}

	u := a.Union(Specs{uv, points})
	if len(u) != 3 {
		t.Fatalf("expected 3 specs in union, got %d", len(u))
	}
	if d := u.Difference(a); len(d) != 1 || d[0].Name != "uv" {
		t.Errorf("expected difference [uv], got %v", d)
	}
	if names := a.Sorted().Names(); names[0] != "normals" || names[1] != "points" {
		t.Errorf("unexpected sort order %v", names)
	}
}

// =============================================================================
// Resolution
// =============================================================================

func TestArraySourceResolveIsIdempotent(t *testing.T) {
	points := [][3]float32{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}}
	src := NewArraySource("points", points, 1)

	if src.State() != StateUnresolved {
		t.Fatalf("expected unresolved, got %s", src.State())
	}
	if !src.Resolve() {
		t.Fatal("expected first Resolve to finish")
	}

	data, tuple, n, hash := src.Data(), src.Tuple(), src.NumElements(), src.Hash()
	for i := 0; i < 5; i++ {
		if !src.Resolve() {
			t.Fatalf("Resolve %d returned false after success", i)
		}
		if &src.Data()[0] != &data[0] || src.Tuple() != tuple || src.NumElements() != n || src.Hash() != hash {
			t.Fatalf("Resolve %d changed the resolved result", i)
		}
	}

	if n != 3 || tuple != Tuple(Float3, 1) {
		t.Errorf("expected 3 float3x1 elements, got %d %s", n, tuple)
	}
	got := safeish.SliceCast[[][3]float32](data)
	if got[2] != points[2] {
		t.Errorf("expected %v, got %v", points[2], got[2])
	}
}

func TestArraySourceConcurrentResolveComputesOnce(t *testing.T) {
	src := NewArraySource("points", make([][3]float32, 64), 1)

	var wg sync.WaitGroup
	var finished atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !src.Resolve() {
			}
			finished.Add(1)
		}()
	}
	wg.Wait()

	if finished.Load() != 16 {
		t.Errorf("expected every resolver to observe completion, got %d", finished.Load())
	}
	if src.State() != StateResolved {
		t.Errorf("expected resolved, got %s", src.State())
	}
}

func TestValueSourceTypeMismatch(t *testing.T) {
	src := NewValueSource("uv", Tuple(Float2, 1), [][2]float64{{0, 1}, {1, 0}})

	if specs := src.AppendSpecs(nil); len(specs) != 1 || specs[0].Tuple.Type != Float2 {
		t.Errorf("expected declared float2 spec before resolve, got %v", specs)
	}
	if !src.Resolve() {
		t.Fatal("expected Resolve to reach a terminal state")
	}
	if src.State() != StateError {
		t.Fatalf("expected error state, got %s", src.State())
	}
	if !errors.Is(src.Err(), ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", src.Err())
	}
}

func TestValueSourceUnsupportedValue(t *testing.T) {
	src := NewValueSource("name", Tuple(Float, 1), "not an array")
	src.Resolve()
	if !errors.Is(src.Err(), ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue, got %v", src.Err())
	}
}

func TestValueSourceArraySize(t *testing.T) {
	src := NewValueSource("transform", Tuple(Mat4d, 2), [][16]float64{{1}, {2}})
	src.Resolve()
	if src.State() != StateResolved {
		t.Fatalf("unexpected error: %v", src.Err())
	}
	if src.NumElements() != 1 {
		t.Errorf("expected 1 tuple of 2 matrices, got %d", src.NumElements())
	}

	odd := NewValueSource("transform", Tuple(Mat4d, 2), [][16]float64{{1}, {2}, {3}})
	odd.Resolve()
	if !errors.Is(odd.Err(), ErrElementCount) {
		t.Errorf("expected ErrElementCount, got %v", odd.Err())
	}
}

func TestDataBeforeResolveReportsError(t *testing.T) {
	var rec diag.Recorder
	diag.SetDefaultSink(&rec)
	defer diag.SetDefaultSink(nil)

	src := NewArraySource("points", []float32{1, 2, 3}, 1)
	if src.Data() != nil {
		t.Error("expected nil data before resolve")
	}
	if rec.Count(diag.SeverityError) != 1 {
		t.Errorf("expected 1 error diagnostic, got %d", rec.Count(diag.SeverityError))
	}
}

func TestDependenciesResolved(t *testing.T) {
	ok := NewArraySource("a", []float32{1}, 1)
	bad := NewValueSource("b", Tuple(Float, 1), []int32{1})

	if ready, _ := DependenciesResolved([]Source{ok}); ready {
		t.Error("unresolved dependency reported ready")
	}
	ok.Resolve()
	bad.Resolve()
	ready, failed := DependenciesResolved([]Source{ok, bad})
	if !ready || !failed {
		t.Errorf("expected ready and failed, got ready=%v failed=%v", ready, failed)
	}
}

func TestChain(t *testing.T) {
	indices := NewArraySource("indices", []int32{0, 1, 2}, 1)
	param := NewArraySource("primitiveParam", []int32{0}, 1)

	src := Chain(indices, param)
	c, ok := src.(Chained)
	if !ok {
		t.Fatal("expected chained source to implement Chained")
	}
	if len(c.Chained()) != 1 || c.Chained()[0].Name() != "primitiveParam" {
		t.Errorf("unexpected chained sources %v", c.Chained())
	}
	if src.Name() != "indices" {
		t.Errorf("expected name indices, got %s", src.Name())
	}
}
