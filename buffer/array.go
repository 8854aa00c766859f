package buffer

import (
	"fmt"

	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/internal/hashing"
)

// Element is the set of Go element types a typed slice source accepts.
type Element interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | float32 | float64 |
		[2]float32 | [3]float32 | [4]float32 |
		[2]float64 | [3]float64 | [4]float64 |
		[2]int32 | [3]int32 | [4]int32 |
		[9]float32 | [16]float32 | [16]float64
}

// ElementTypeOf returns the element type describing E.
func ElementTypeOf[E Element]() ElementType {
	var zero E
	t, _ := elementTypeOfValue(any(zero))
	return t
}

func elementTypeOfValue(v any) (ElementType, bool) {
	switch v.(type) {
	case int8:
		return ElementType{ComponentInt8, ShapeScalar}, true
	case uint8:
		return ElementType{ComponentUint8, ShapeScalar}, true
	case int16:
		return ElementType{ComponentInt16, ShapeScalar}, true
	case uint16:
		return ElementType{ComponentUint16, ShapeScalar}, true
	case int32:
		return Int, true
	case uint32:
		return Uint, true
	case float32:
		return Float, true
	case float64:
		return Double, true
	case [2]float32:
		return Float2, true
	case [3]float32:
		return Float3, true
	case [4]float32:
		return Float4, true
	case [2]float64:
		return Double2, true
	case [3]float64:
		return Double3, true
	case [4]float64:
		return Double4, true
	case [2]int32:
		return Int2, true
	case [3]int32:
		return Int3, true
	case [4]int32:
		return Int4, true
	case [9]float32:
		return Mat3f, true
	case [16]float32:
		return Mat4f, true
	case [16]float64:
		return Mat4d, true
	default:
		return ElementType{}, false
	}
}

// valueBytes converts a typed scene value into its element type and raw
// bytes. Single values are treated as one-element slices.
func valueBytes(value any) (ElementType, []byte, int, bool) {
	switch v := value.(type) {
	case []int8:
		return sliceBytes(v)
	case []uint8:
		return sliceBytes(v)
	case []int16:
		return sliceBytes(v)
	case []uint16:
		return sliceBytes(v)
	case []int32:
		return sliceBytes(v)
	case []uint32:
		return sliceBytes(v)
	case []float32:
		return sliceBytes(v)
	case []float64:
		return sliceBytes(v)
	case [][2]float32:
		return sliceBytes(v)
	case [][3]float32:
		return sliceBytes(v)
	case [][4]float32:
		return sliceBytes(v)
	case [][2]float64:
		return sliceBytes(v)
	case [][3]float64:
		return sliceBytes(v)
	case [][4]float64:
		return sliceBytes(v)
	case [][2]int32:
		return sliceBytes(v)
	case [][3]int32:
		return sliceBytes(v)
	case [][4]int32:
		return sliceBytes(v)
	case [][9]float32:
		return sliceBytes(v)
	case [][16]float32:
		return sliceBytes(v)
	case [][16]float64:
		return sliceBytes(v)
	case int32:
		return sliceBytes([]int32{v})
	case float32:
		return sliceBytes([]float32{v})
	case float64:
		return sliceBytes([]float64{v})
	case [3]float32:
		return sliceBytes([][3]float32{v})
	case [4]float32:
		return sliceBytes([][4]float32{v})
	case [16]float32:
		return sliceBytes([][16]float32{v})
	case [16]float64:
		return sliceBytes([][16]float64{v})
	default:
		return ElementType{}, nil, 0, false
	}
}

func sliceBytes[E Element](values []E) (ElementType, []byte, int, bool) {
	return ElementTypeOf[E](), safeish.SliceCast[[]byte](values), len(values), true
}

// ArraySource is a source backed by a typed array of values. It is created
// by scene-sync code either from a typed Go slice or from an untyped scene
// value with a declared tuple type, in which case Resolve verifies that the
// value matches the declaration.
type ArraySource struct {
	Resolution

	name     string
	declared TupleType
	value    any

	data []byte
	num  int
	hash uint64
}

// NewArraySource returns a source for values. arraySize groups consecutive
// values into one tuple; values below 1 mean 1.
func NewArraySource[E Element](name string, values []E, arraySize int) *ArraySource {
	if arraySize < 1 {
		arraySize = 1
	}
	return &ArraySource{
		name:     name,
		declared: Tuple(ElementTypeOf[E](), arraySize),
		value:    values,
	}
}

// NewValueSource returns a source for an untyped scene value that is
// declared to hold tuples of type declared. A mismatch between the declared
// type and the value's type is detected by Resolve.
func NewValueSource(name string, declared TupleType, value any) *ArraySource {
	if declared.Count < 1 {
		declared.Count = 1
	}
	return &ArraySource{name: name, declared: declared, value: value}
}

// NewInferredSource returns a source declared with the value's own element
// type and an arity of one. A value with no buffer representation yields an
// invalid source.
func NewInferredSource(name string, value any) *ArraySource {
	t, _, _, ok := valueBytes(value)
	if !ok {
		return &ArraySource{name: name, value: value}
	}
	return &ArraySource{name: name, declared: Tuple(t, 1), value: value}
}

// Name implements Source.
func (s *ArraySource) Name() string { return s.name }

// IsValid implements Source.
func (s *ArraySource) IsValid() bool { return s.name != "" && s.declared.IsValid() }

// AppendSpecs implements Source.
func (s *ArraySource) AppendSpecs(specs Specs) Specs {
	return append(specs, Spec{Name: s.name, Tuple: s.declared})
}

// Resolve implements Source. ArraySource has no dependencies and resolves on
// the first call.
func (s *ArraySource) Resolve() bool {
	if !s.TryLock() {
		return s.IsResolved()
	}

	actual, data, n, ok := valueBytes(s.value)
	switch {
	case !ok:
		s.SetError(fmt.Errorf("%w: %T", ErrUnsupportedValue, s.value))
		return true
	case actual != s.declared.Type:
		s.SetError(fmt.Errorf("%w: declared %s, got %s", ErrTypeMismatch, s.declared.Type, actual))
		return true
	case n%s.declared.Count != 0:
		s.SetError(fmt.Errorf("%w: %d values, arity %d", ErrElementCount, n, s.declared.Count))
		return true
	}

	s.data = data
	s.num = n / s.declared.Count
	s.hash = hashing.Combine(Spec{Name: s.name, Tuple: s.declared}.Hash(), hashing.Bytes(data))
	s.value = nil
	s.SetResolved()
	return true
}

// Data implements Source. Reading before a successful resolve returns nil and
// emits an error diagnostic.
func (s *ArraySource) Data() []byte {
	if s.State() != StateResolved {
		diag.Error(nil, "", s.name, ErrNotResolved)
		return nil
	}
	return s.data
}

// Tuple implements Source.
func (s *ArraySource) Tuple() TupleType { return s.declared }

// NumElements implements Source.
func (s *ArraySource) NumElements() int {
	if s.State() != StateResolved {
		return 0
	}
	return s.num
}

// Hash implements Source.
func (s *ArraySource) Hash() uint64 { return s.hash }

// String returns a debug description.
func (s *ArraySource) String() string {
	return fmt.Sprintf("ArraySource{%s %s %s n=%d}", s.name, s.declared, s.State(), s.num)
}
