package buffer

import "fmt"

// ComponentType is the numeric type of a single component.
type ComponentType uint8

// Component types.
const (
	ComponentInvalid ComponentType = iota
	ComponentInt8
	ComponentUint8
	ComponentInt16
	ComponentUint16
	ComponentInt32
	ComponentUint32
	ComponentFloat16
	ComponentFloat32
	ComponentFloat64
)

// Size returns the component size in bytes.
func (c ComponentType) Size() int {
	switch c {
	case ComponentInt8, ComponentUint8:
		return 1
	case ComponentInt16, ComponentUint16, ComponentFloat16:
		return 2
	case ComponentInt32, ComponentUint32, ComponentFloat32:
		return 4
	case ComponentFloat64:
		return 8
	default:
		return 0
	}
}

func (c ComponentType) prefix() string {
	switch c {
	case ComponentInt8:
		return "char"
	case ComponentUint8:
		return "uchar"
	case ComponentInt16:
		return "short"
	case ComponentUint16:
		return "ushort"
	case ComponentInt32:
		return "int"
	case ComponentUint32:
		return "uint"
	case ComponentFloat16:
		return "half"
	case ComponentFloat32:
		return "float"
	case ComponentFloat64:
		return "double"
	default:
		return "invalid"
	}
}

// Shape is the arrangement of components within an element.
type Shape uint8

// Element shapes.
const (
	ShapeScalar Shape = iota
	ShapeVec2
	ShapeVec3
	ShapeVec4
	ShapeMat3
	ShapeMat4
)

// Components returns the number of components in the shape.
func (s Shape) Components() int {
	switch s {
	case ShapeScalar:
		return 1
	case ShapeVec2:
		return 2
	case ShapeVec3:
		return 3
	case ShapeVec4:
		return 4
	case ShapeMat3:
		return 9
	case ShapeMat4:
		return 16
	default:
		return 0
	}
}

// ElementType describes one element: a component type in a given shape.
type ElementType struct {
	Component ComponentType
	Shape     Shape
}

// Predeclared element types.
var (
	Float   = ElementType{ComponentFloat32, ShapeScalar}
	Float2  = ElementType{ComponentFloat32, ShapeVec2}
	Float3  = ElementType{ComponentFloat32, ShapeVec3}
	Float4  = ElementType{ComponentFloat32, ShapeVec4}
	Double  = ElementType{ComponentFloat64, ShapeScalar}
	Double2 = ElementType{ComponentFloat64, ShapeVec2}
	Double3 = ElementType{ComponentFloat64, ShapeVec3}
	Double4 = ElementType{ComponentFloat64, ShapeVec4}
	Int     = ElementType{ComponentInt32, ShapeScalar}
	Int2    = ElementType{ComponentInt32, ShapeVec2}
	Int3    = ElementType{ComponentInt32, ShapeVec3}
	Int4    = ElementType{ComponentInt32, ShapeVec4}
	Uint    = ElementType{ComponentUint32, ShapeScalar}
	Mat3f   = ElementType{ComponentFloat32, ShapeMat3}
	Mat4f   = ElementType{ComponentFloat32, ShapeMat4}
	Mat4d   = ElementType{ComponentFloat64, ShapeMat4}
)

// IsValid reports whether the element type has a known component type.
func (t ElementType) IsValid() bool {
	return t.Component != ComponentInvalid && t.Shape.Components() > 0
}

// Components returns the number of components per element.
func (t ElementType) Components() int { return t.Shape.Components() }

// Size returns the element size in bytes.
func (t ElementType) Size() int { return t.Component.Size() * t.Shape.Components() }

// String returns names like "float3", "double2" or "mat4d".
func (t ElementType) String() string {
	switch t.Shape {
	case ShapeScalar:
		return t.Component.prefix()
	case ShapeVec2, ShapeVec3, ShapeVec4:
		return fmt.Sprintf("%s%d", t.Component.prefix(), t.Shape.Components())
	case ShapeMat3, ShapeMat4:
		n := 3
		if t.Shape == ShapeMat4 {
			n = 4
		}
		suffix := "f"
		if t.Component == ComponentFloat64 {
			suffix = "d"
		}
		return fmt.Sprintf("mat%d%s", n, suffix)
	default:
		return "invalid"
	}
}

// TupleType is an element type with an arity: Count consecutive elements
// form one logical value (for example an instanced uniform array).
type TupleType struct {
	Type  ElementType
	Count int
}

// Tuple returns the tuple of count elements of type t.
func Tuple(t ElementType, count int) TupleType {
	return TupleType{Type: t, Count: count}
}

// IsValid reports whether the tuple describes storable data.
func (tt TupleType) IsValid() bool { return tt.Type.IsValid() && tt.Count > 0 }

// Size returns the tuple size in bytes.
func (tt TupleType) Size() int { return tt.Type.Size() * tt.Count }

// String returns names like "float3x1".
func (tt TupleType) String() string { return fmt.Sprintf("%sx%d", tt.Type, tt.Count) }
