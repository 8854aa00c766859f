package scene

import (
	"slices"
	"sync"

	"github.com/gogpu/gpures/compute"
)

// Memory is an in-memory Delegate. Setters record what changed as dirty
// bits until ClearDirty. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	values      map[string]map[string]any
	primvars    map[string][]PrimvarDesc
	topology    map[string]compute.Topology
	extPrimvars map[string][]ExtComputationPrimvar
	comps       map[string]*compute.ExtComputation
	dirty       map[string]DirtyBits
}

// NewMemory returns an empty scene.
func NewMemory() *Memory {
	return &Memory{
		values:      make(map[string]map[string]any),
		primvars:    make(map[string][]PrimvarDesc),
		topology:    make(map[string]compute.Topology),
		extPrimvars: make(map[string][]ExtComputationPrimvar),
		comps:       make(map[string]*compute.ExtComputation),
		dirty:       make(map[string]DirtyBits),
	}
}

func (m *Memory) setValueLocked(id, name string, value any) {
	vals := m.values[id]
	if vals == nil {
		vals = make(map[string]any)
		m.values[id] = vals
	}
	vals[name] = value
}

// SetPrimvar authors a primvar and its value.
func (m *Memory) SetPrimvar(primID string, desc PrimvarDesc, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setValueLocked(primID, desc.Name, value)

	descs := m.primvars[primID]
	i := slices.IndexFunc(descs, func(d PrimvarDesc) bool { return d.Name == desc.Name })
	switch {
	case i < 0:
		m.primvars[primID] = append(descs, desc)
		m.dirty[primID] |= DirtyPrimvarDesc
	case descs[i] != desc:
		descs[i] = desc
		m.dirty[primID] |= DirtyPrimvarDesc
	case desc.Name == PointsName:
		m.dirty[primID] |= DirtyPoints
	case desc.Name == NormalsName:
		m.dirty[primID] |= DirtyNormals
	default:
		m.dirty[primID] |= DirtyPrimvar
	}
}

// RemovePrimvar removes an authored primvar.
func (m *Memory) RemovePrimvar(primID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	descs := m.primvars[primID]
	i := slices.IndexFunc(descs, func(d PrimvarDesc) bool { return d.Name == name })
	if i < 0 {
		return
	}
	m.primvars[primID] = slices.Delete(descs, i, i+1)
	delete(m.values[primID], name)
	m.dirty[primID] |= DirtyPrimvarDesc
}

// SetTopology sets the face topology of a mesh or the vertex counts of
// curves.
func (m *Memory) SetTopology(primID string, topo compute.Topology) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topology[primID] = topo
	m.dirty[primID] |= DirtyTopology
}

// SetExtComputation adds or replaces a computation. Prims reading it
// become dirty.
func (m *Memory) SetExtComputation(desc *compute.ExtComputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comps[desc.ID] = desc
	m.markComputationLocked(desc.ID)
}

// SetInput sets a scene input of a computation. Prims reading it become
// dirty.
func (m *Memory) SetInput(computationID, name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setValueLocked(computationID, name, value)
	m.markComputationLocked(computationID)
}

func (m *Memory) markComputationLocked(id string) {
	for primID, eps := range m.extPrimvars {
		if slices.ContainsFunc(eps, func(ep ExtComputationPrimvar) bool { return ep.Computation == id }) {
			m.dirty[primID] |= DirtyExtComputation
		}
	}
}

// AddExtComputationPrimvar makes a computation output a primvar of a prim.
func (m *Memory) AddExtComputationPrimvar(primID string, ep ExtComputationPrimvar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extPrimvars[primID] = append(m.extPrimvars[primID], ep)
	m.dirty[primID] |= DirtyExtComputation
}

// MarkDirty sets dirty bits on a prim.
func (m *Memory) MarkDirty(primID string, bits DirtyBits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[primID] |= bits
}

// ClearDirty marks every prim clean. Call it after syncing a frame.
func (m *Memory) ClearDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.dirty)
}

// GetValueForNamedInput implements Delegate.
func (m *Memory) GetValueForNamedInput(id, name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id][name]
	return v, ok
}

// DirtyBits implements Delegate.
func (m *Memory) DirtyBits(primID string) DirtyBits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty[primID]
}

// Primvars implements Delegate.
func (m *Memory) Primvars(primID string) []PrimvarDesc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.primvars[primID])
}

// Topology implements Delegate.
func (m *Memory) Topology(primID string) (compute.Topology, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topology[primID]
	return t, ok
}

// ExtComputationPrimvars implements Delegate.
func (m *Memory) ExtComputationPrimvars(primID string) []ExtComputationPrimvar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.extPrimvars[primID])
}

// ExtComputation implements Delegate.
func (m *Memory) ExtComputation(id string) (*compute.ExtComputation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comps[id]
	return c, ok
}
