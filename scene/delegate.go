// Package scene is the boundary between a scene description and the
// registry. Prims pull their data from a Delegate, turn dirty primvars into
// buffer sources, and keep their ranges in a registry up to date.
//
// The registry never calls back into the scene: a frame is SyncAll
// followed by Registry.Commit.
package scene

import (
	"strings"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/compute"
)

// DirtyBits flags the prim data that changed since the last sync.
type DirtyBits uint32

// Dirty bits.
const (
	DirtyPoints DirtyBits = 1 << iota
	DirtyNormals
	DirtyPrimvar
	DirtyPrimvarDesc
	DirtyTopology
	DirtyExtComputation

	DirtyClean DirtyBits = 0
	DirtyAll             = DirtyExtComputation<<1 - 1
)

var dirtyNames = [...]string{"points", "normals", "primvar", "primvarDesc", "topology", "extComputation"}

// Has reports whether every bit of flag is set.
func (b DirtyBits) Has(flag DirtyBits) bool { return b&flag == flag }

// Any reports whether any bit of flag is set.
func (b DirtyBits) Any(flag DirtyBits) bool { return b&flag != 0 }

// String returns the set bits joined by '|'.
func (b DirtyBits) String() string {
	if b == DirtyClean {
		return "clean"
	}
	var parts []string
	for i, name := range dirtyNames {
		if b&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Interpolation says how a primvar maps onto a prim.
type Interpolation uint8

// Interpolation modes.
const (
	// InterpolationConstant is one value for the whole prim.
	InterpolationConstant Interpolation = iota

	// InterpolationUniform is one value per face or curve.
	InterpolationUniform

	// InterpolationVertex is one value per point.
	InterpolationVertex

	// InterpolationVarying is one value per point, linearly interpolated.
	InterpolationVarying
)

// String returns the interpolation name.
func (i Interpolation) String() string {
	switch i {
	case InterpolationConstant:
		return "constant"
	case InterpolationUniform:
		return "uniform"
	case InterpolationVertex:
		return "vertex"
	case InterpolationVarying:
		return "varying"
	default:
		return "unknown"
	}
}

// PrimvarDesc describes one authored primvar.
type PrimvarDesc struct {
	Name          string
	Interpolation Interpolation
	Tuple         buffer.TupleType
}

// ExtComputationPrimvar is a primvar produced by an ext computation. The
// primvar takes the name of the computation output it reads.
type ExtComputationPrimvar struct {
	Interpolation Interpolation
	Computation   string
	Output        string
}

// Delegate is the pull interface a scene implements. Implementations must
// be safe for concurrent use by prim sync workers.
type Delegate interface {
	// GetValueForNamedInput returns the value of a primvar or computation
	// input. id is a prim id or an ext computation id.
	GetValueForNamedInput(id, name string) (any, bool)

	// DirtyBits returns what changed for the prim since the last sync.
	DirtyBits(primID string) DirtyBits

	// Primvars lists the authored primvars of a prim.
	Primvars(primID string) []PrimvarDesc

	// Topology returns the face topology of a mesh or the vertex counts of
	// curves in FaceVertexCounts.
	Topology(primID string) (compute.Topology, bool)

	// ExtComputationPrimvars lists the computed primvars of a prim.
	ExtComputationPrimvars(primID string) []ExtComputationPrimvar

	// ExtComputation returns the description of a computation.
	ExtComputation(id string) (*compute.ExtComputation, bool)
}
