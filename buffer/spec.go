package buffer

import (
	"cmp"
	"slices"

	"github.com/gogpu/gpures/internal/hashing"
)

// Spec names one attribute and its tuple type. Specs are compared by value
// and are the structural key used to match sources to aggregates.
type Spec struct {
	Name  string
	Tuple TupleType
}

// Hash returns a hash of the spec.
func (s Spec) Hash() uint64 {
	h := hashing.String(s.Name)
	h = hashing.Combine(h, uint64(s.Tuple.Type.Component))
	h = hashing.Combine(h, uint64(s.Tuple.Type.Shape))
	return hashing.Combine(h, uint64(s.Tuple.Count))
}

// Specs is a list of specs. Sorted by name it forms the signature of an
// aggregate.
type Specs []Spec

// Sorted returns a copy of s sorted by name.
func (s Specs) Sorted() Specs {
	out := slices.Clone(s)
	slices.SortStableFunc(out, func(a, b Spec) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Find returns the spec with the given name.
func (s Specs) Find(name string) (Spec, bool) {
	for _, spec := range s {
		if spec.Name == name {
			return spec, true
		}
	}
	return Spec{}, false
}

// Names returns the spec names in order.
func (s Specs) Names() []string {
	names := make([]string, len(s))
	for i, spec := range s {
		names[i] = spec.Name
	}
	return names
}

// Hash returns the order-independent signature hash of s.
func (s Specs) Hash() uint64 {
	var h uint64
	for _, spec := range s.Sorted() {
		h = hashing.Combine(h, spec.Hash())
	}
	return h
}

// Equal reports whether s and other contain the same specs in any order.
func (s Specs) Equal(other Specs) bool {
	return len(s) == len(other) && s.IsSubsetOf(other)
}

// IsSubsetOf reports whether every spec in s appears in other with the same
// tuple type.
func (s Specs) IsSubsetOf(other Specs) bool {
	for _, spec := range s {
		found, ok := other.Find(spec.Name)
		if !ok || found.Tuple != spec.Tuple {
			return false
		}
	}
	return true
}

// Union returns s followed by the specs of other whose names are not in s.
func (s Specs) Union(other Specs) Specs {
	out := slices.Clone(s)
	for _, spec := range other {
		if _, ok := out.Find(spec.Name); !ok {
			out = append(out, spec)
		}
	}
	return out
}

// Difference returns the specs of s whose names are not in other.
func (s Specs) Difference(other Specs) Specs {
	var out Specs
	for _, spec := range s {
		if _, ok := other.Find(spec.Name); !ok {
			out = append(out, spec)
		}
	}
	return out
}
