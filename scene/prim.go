package scene

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/compute"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/registry"
)

// Well-known attribute names.
const (
	PointsName            = "points"
	NormalsName           = "normals"
	IndicesName           = "indices"
	CurveVertexCountsName = "curveVertexCounts"
)

// extComputationQueue runs after the migration copies of queue 0.
const extComputationQueue = 1

// Prim sync errors. Except for registry failures they are reported as
// diagnostics and the prim is synced without the affected attribute.
var (
	ErrUnknownKind              = errors.New("scene: unknown prim kind")
	ErrMissingValue             = errors.New("scene: no value for named input")
	ErrMissingComputation       = errors.New("scene: unknown ext computation")
	ErrMissingOutput            = errors.New("scene: ext computation has no such output")
	ErrUnsupportedInterpolation = errors.New("scene: unsupported primvar interpolation")
	ErrUnsupportedInput         = errors.New("scene: GPU computation output used as an input")
	ErrComputationCycle         = errors.New("scene: ext computation inputs form a cycle")
)

// Kind is the type of a prim.
type Kind uint8

// Prim kinds.
const (
	KindMesh Kind = iota
	KindCurves
	KindPoints
	KindVolume
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "mesh"
	case KindCurves:
		return "curves"
	case KindPoints:
		return "points"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// hasVertices reports whether the kind carries per-point data.
func (k Kind) hasVertices() bool { return k != KindVolume }

// Prim is the registry-side state of one scene prim: the ranges holding its
// primvars, its topology and the shared inputs of its GPU computations.
// A Prim is synced by one goroutine at a time.
type Prim struct {
	id   string
	kind Kind

	vertex   *aggregate.Range
	constant *aggregate.Range
	topology *aggregate.Range
	inputs   []*aggregate.Range

	synced bool
}

// NewPrim returns an unsynced prim of the given kind.
func NewPrim(kind Kind, id string) (*Prim, error) {
	switch kind {
	case KindMesh, KindCurves, KindPoints, KindVolume:
		return &Prim{id: id, kind: kind}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// ID returns the prim id.
func (p *Prim) ID() string { return p.id }

// Kind returns the prim kind.
func (p *Prim) Kind() Kind { return p.kind }

// IsSynced reports whether the prim was synced since creation or Finalize.
func (p *Prim) IsSynced() bool { return p.synced }

// VertexRange returns the range of vertex and varying primvars.
func (p *Prim) VertexRange() *aggregate.Range { return p.vertex }

// ConstantRange returns the range of constant primvars.
func (p *Prim) ConstantRange() *aggregate.Range { return p.constant }

// TopologyRange returns the range of triangle indices or curve vertex
// counts.
func (p *Prim) TopologyRange() *aggregate.Range { return p.topology }

// Sync pulls dirty data from d and queues it on reg. Everything is dirty on
// the first sync. The queued work reaches the device on the next
// Registry.Commit.
func (p *Prim) Sync(ctx context.Context, d Delegate, reg *registry.Registry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bits := d.DirtyBits(p.id)
	if !p.synced {
		bits = DirtyAll
	}
	if bits == DirtyClean {
		return nil
	}

	s := &syncState{
		p:        p,
		d:        d,
		reg:      reg,
		sink:     reg.Diagnostics(),
		bits:     bits,
		hint:     aggregate.HintVertex,
		cpu:      make(map[string]*compute.CPUComputation),
		visiting: make(map[string]bool),
	}
	s.primvars()
	if p.kind == KindMesh && !s.hasNormals {
		s.smoothNormals()
	}
	s.extComputations()

	if err := s.commitVertex(); err != nil {
		return err
	}
	if err := s.commitConstant(); err != nil {
		return err
	}
	if err := s.commitTopology(); err != nil {
		return err
	}
	p.synced = true
	return nil
}

// Finalize releases every range of the prim. The prim may be synced again
// afterwards.
func (p *Prim) Finalize() {
	for _, rng := range []*aggregate.Range{p.vertex, p.constant, p.topology} {
		if rng.IsValid() {
			rng.Release()
		}
	}
	for _, rng := range p.inputs {
		rng.Release()
	}
	p.vertex, p.constant, p.topology, p.inputs = nil, nil, nil, nil
	p.synced = false
}

// syncState collects what one Sync queues.
type syncState struct {
	p    *Prim
	d    Delegate
	reg  *registry.Registry
	sink diag.Sink
	bits DirtyBits

	hint        aggregate.UsageHint
	vertexSpecs buffer.Specs
	vertexSrcs  []buffer.Source
	constSpecs  buffer.Specs
	constSrcs   []buffer.Source
	points      buffer.Source
	hasNormals  bool

	gpu      []*compute.GPUComputation
	inputs   []*aggregate.Range
	cpu      map[string]*compute.CPUComputation
	visiting map[string]bool
}

func (s *syncState) warn(attr string, err error) {
	diag.Warn(s.sink, s.p.id, attr, err)
}

func (s *syncState) dirty(name string) bool {
	switch {
	case s.bits.Any(DirtyPrimvarDesc):
		return true
	case name == PointsName:
		return s.bits.Any(DirtyPoints)
	case name == NormalsName:
		return s.bits.Any(DirtyNormals)
	default:
		return s.bits.Any(DirtyPrimvar)
	}
}

func addSpec(specs buffer.Specs, spec buffer.Spec) buffer.Specs {
	if _, ok := specs.Find(spec.Name); ok {
		return specs
	}
	return append(specs, spec)
}

func (s *syncState) primvars() {
	for _, pv := range s.d.Primvars(s.p.id) {
		tuple := pv.Tuple
		if tuple.Count < 1 {
			tuple.Count = 1
		}
		spec := buffer.Spec{Name: pv.Name, Tuple: tuple}

		switch pv.Interpolation {
		case InterpolationConstant:
			s.constSpecs = addSpec(s.constSpecs, spec)
			if src := s.value(pv.Name, tuple); src != nil {
				s.constSrcs = append(s.constSrcs, src)
			}
		case InterpolationVertex, InterpolationVarying:
			if !s.p.kind.hasVertices() {
				s.warn(pv.Name, fmt.Errorf("%w: %s on %s", ErrUnsupportedInterpolation, pv.Interpolation, s.p.kind))
				continue
			}
			s.vertexSpecs = addSpec(s.vertexSpecs, spec)
			if pv.Name == NormalsName {
				s.hasNormals = true
			}
			src := s.value(pv.Name, tuple)
			if src == nil {
				continue
			}
			if pv.Name == PointsName {
				// Points size the range during commit.
				s.points = src
				s.vertexSrcs = append([]buffer.Source{src}, s.vertexSrcs...)
				continue
			}
			s.vertexSrcs = append(s.vertexSrcs, src)
		default:
			s.warn(pv.Name, fmt.Errorf("%w: %s", ErrUnsupportedInterpolation, pv.Interpolation))
		}
	}
}

// value returns a source for a dirty primvar, or nil when it is clean or
// has no value.
func (s *syncState) value(name string, tuple buffer.TupleType) buffer.Source {
	if !s.dirty(name) {
		return nil
	}
	v, ok := s.d.GetValueForNamedInput(s.p.id, name)
	if !ok {
		s.warn(name, ErrMissingValue)
		return nil
	}
	return buffer.NewValueSource(name, tuple, v)
}

// smoothNormals computes normals for meshes that author none.
func (s *syncState) smoothNormals() {
	s.vertexSpecs = addSpec(s.vertexSpecs, buffer.Spec{Name: NormalsName, Tuple: buffer.Tuple(buffer.Float3, 1)})
	if !s.bits.Any(DirtyPoints | DirtyTopology | DirtyPrimvarDesc) {
		return
	}
	topo, ok := s.d.Topology(s.p.id)
	if !ok {
		return
	}
	pts := s.points
	if pts == nil {
		v, ok := s.d.GetValueForNamedInput(s.p.id, PointsName)
		if !ok {
			s.warn(NormalsName, ErrMissingValue)
			return
		}
		pts = buffer.NewValueSource(PointsName, buffer.Tuple(buffer.Float3, 1), v)
	}
	comp := compute.NewSmoothNormals(pts, topo, NormalsName)
	s.vertexSrcs = append(s.vertexSrcs, comp.OutputSource(NormalsName))
}

// =============================================================================
// Ext computations
// =============================================================================

func (s *syncState) extComputations() {
	dirty := s.bits.Any(DirtyExtComputation)
	gpuSeen := make(map[string]bool)
	for _, ep := range s.d.ExtComputationPrimvars(s.p.id) {
		desc, ok := s.d.ExtComputation(ep.Computation)
		if !ok {
			s.warn(ep.Output, fmt.Errorf("%w: %s", ErrMissingComputation, ep.Computation))
			continue
		}
		spec, ok := desc.Outputs.Find(ep.Output)
		if !ok {
			s.warn(ep.Output, fmt.Errorf("%w: %s", ErrMissingOutput, desc.ID))
			continue
		}

		constant := ep.Interpolation == InterpolationConstant
		switch {
		case !constant && ep.Interpolation != InterpolationVertex && ep.Interpolation != InterpolationVarying,
			!constant && !s.p.kind.hasVertices(),
			constant && desc.IsGPU():
			s.warn(ep.Output, fmt.Errorf("%w: %s", ErrUnsupportedInterpolation, ep.Interpolation))
			continue
		}

		if desc.IsGPU() {
			// One dispatch writes every output of the kernel.
			s.hint |= aggregate.HintStorage
			if gpuSeen[desc.ID] {
				continue
			}
			gpuSeen[desc.ID] = true
			for _, out := range desc.Outputs {
				s.vertexSpecs = addSpec(s.vertexSpecs, out)
			}
			if dirty {
				s.gpuComputation(desc)
			}
			continue
		}

		var src buffer.Source
		if dirty {
			src = s.extOutput(desc, ep.Output)
		}
		if constant {
			s.constSpecs = addSpec(s.constSpecs, spec)
			if src != nil {
				s.constSrcs = append(s.constSrcs, src)
			}
			continue
		}
		s.vertexSpecs = addSpec(s.vertexSpecs, spec)
		if src != nil {
			s.vertexSrcs = append(s.vertexSrcs, src)
		}
	}
}

// gpuComputation queues a kernel reading a shared range of its inputs.
func (s *syncState) gpuComputation(desc *compute.ExtComputation) {
	srcs, ok := s.computationInputs(desc)
	if !ok {
		return
	}
	for _, src := range srcs {
		resolveNow(src)
	}
	rng, err := s.reg.AllocateSharedInputRange(srcs, aggregate.HintStorage)
	if err != nil {
		s.warn(desc.ID, err)
		return
	}
	s.inputs = append(s.inputs, rng)
	s.gpu = append(s.gpu, compute.NewGPUComputation(desc.ID, desc.Kernel,
		[]*aggregate.Range{rng}, desc.Outputs, desc.Dispatch(), desc.ElementCount))
}

// extOutput returns a source for one output of a CPU or pass-through
// computation.
func (s *syncState) extOutput(desc *compute.ExtComputation, output string) buffer.Source {
	switch {
	case desc.IsGPU():
		s.warn(output, fmt.Errorf("%w: %s", ErrUnsupportedInput, desc.ID))
		return nil
	case desc.IsPassThrough():
		v, ok := s.d.GetValueForNamedInput(desc.ID, output)
		if !ok {
			s.warn(output, fmt.Errorf("%w: %s", ErrMissingValue, desc.ID))
			return nil
		}
		if spec, ok := desc.Outputs.Find(output); ok {
			return buffer.NewValueSource(output, spec.Tuple, v)
		}
		return buffer.NewInferredSource(output, v)
	}
	comp := s.cpuComputation(desc)
	if comp == nil {
		return nil
	}
	return comp.OutputSource(output)
}

// cpuComputation builds a CPU computation once per sync, following its
// computation inputs upstream.
func (s *syncState) cpuComputation(desc *compute.ExtComputation) *compute.CPUComputation {
	if c, ok := s.cpu[desc.ID]; ok {
		return c
	}
	if s.visiting[desc.ID] {
		s.warn(desc.ID, ErrComputationCycle)
		return nil
	}
	s.visiting[desc.ID] = true
	defer delete(s.visiting, desc.ID)

	inputs, ok := s.computationInputs(desc)
	if !ok {
		return nil
	}
	c := compute.NewCPUComputation(desc.ID, inputs, desc.Outputs, desc.CPUKernel)
	s.cpu[desc.ID] = c
	return c
}

// computationInputs returns the scene inputs of desc followed by its
// computation inputs, each under the name the kernel reads.
func (s *syncState) computationInputs(desc *compute.ExtComputation) ([]buffer.Source, bool) {
	srcs := make([]buffer.Source, 0, len(desc.SceneInputs)+len(desc.ComputationInputs))
	for _, name := range desc.SceneInputs {
		v, ok := s.d.GetValueForNamedInput(desc.ID, name)
		if !ok {
			s.warn(name, fmt.Errorf("%w: %s", ErrMissingValue, desc.ID))
			return nil, false
		}
		srcs = append(srcs, buffer.NewInferredSource(name, v))
	}
	for _, ci := range desc.ComputationInputs {
		up, ok := s.d.ExtComputation(ci.Source)
		if !ok {
			s.warn(ci.Name, fmt.Errorf("%w: %s", ErrMissingComputation, ci.Source))
			return nil, false
		}
		src := s.extOutput(up, ci.Output)
		if src == nil {
			return nil, false
		}
		srcs = append(srcs, buffer.Rename(src, ci.Name))
	}
	return srcs, true
}

// resolveNow resolves src and its dependencies depth first.
func resolveNow(src buffer.Source) {
	if d, ok := src.(buffer.Dependent); ok {
		for _, dep := range d.Dependencies() {
			resolveNow(dep)
		}
	}
	src.Resolve()
}

// =============================================================================
// Ranges
// =============================================================================

// vertexCount picks the element count a vertex range is allocated with.
// Commit resizes it to the first resolved source.
func (s *syncState) vertexCount() int {
	if s.points != nil {
		resolveNow(s.points)
		if n := s.points.NumElements(); n > 0 {
			return n
		}
	}
	if s.p.vertex.IsValid() && s.p.vertex.NumElements() > 0 {
		return s.p.vertex.NumElements()
	}
	for _, c := range s.gpu {
		if n := c.NumOutputElements(); n > 0 {
			return n
		}
	}
	return 1
}

// update reallocates or reuses cur for specs. Specs dropped from the
// signature are only removed when primvar descriptors changed.
func (s *syncState) update(cur *aggregate.Range, specs buffer.Specs, hint aggregate.UsageHint, n int) *aggregate.Range {
	var removed buffer.Specs
	if cur.IsValid() && s.bits.Any(DirtyPrimvarDesc) {
		removed = cur.Specs().Difference(specs)
	}
	next := s.reg.UpdateRange(cur, specs, removed, hint, n)
	if next.IsValid() {
		next.SetOwner(s.p.id)
	}
	return next
}

func (s *syncState) queue(rng *aggregate.Range, srcs []buffer.Source) error {
	if len(srcs) == 0 || !rng.IsValid() {
		return nil
	}
	if err := s.reg.AddSources(rng, srcs...); err != nil {
		return fmt.Errorf("scene: %s: %w", s.p.id, err)
	}
	return nil
}

func (s *syncState) commitVertex() error {
	p := s.p
	if len(s.vertexSpecs) == 0 {
		if p.vertex.IsValid() && s.bits.Any(DirtyPrimvarDesc) {
			p.vertex.Release()
			p.vertex = nil
		}
		return nil
	}
	p.vertex = s.update(p.vertex, s.vertexSpecs, s.hint, s.vertexCount())
	if err := s.queue(p.vertex, s.vertexSrcs); err != nil {
		return err
	}

	if s.bits.Any(DirtyExtComputation) {
		for _, rng := range p.inputs {
			rng.Release()
		}
		p.inputs = s.inputs
	}
	if !p.vertex.IsValid() {
		return nil
	}
	for _, c := range s.gpu {
		if err := s.reg.AddComputation(p.vertex, c, extComputationQueue); err != nil {
			return fmt.Errorf("scene: %s: %w", p.id, err)
		}
	}
	return nil
}

func (s *syncState) commitConstant() error {
	p := s.p
	if len(s.constSpecs) == 0 {
		if p.constant.IsValid() && s.bits.Any(DirtyPrimvarDesc) {
			p.constant.Release()
			p.constant = nil
		}
		return nil
	}
	p.constant = s.update(p.constant, s.constSpecs, aggregate.HintUniform, 1)
	return s.queue(p.constant, s.constSrcs)
}

func (s *syncState) commitTopology() error {
	p := s.p
	if !s.bits.Any(DirtyTopology) || (p.kind != KindMesh && p.kind != KindCurves) {
		return nil
	}
	topo, ok := s.d.Topology(p.id)
	var (
		spec buffer.Spec
		src  buffer.Source
		n    int
	)
	switch {
	case !ok:
	case p.kind == KindMesh:
		tris := Triangulate(topo)
		spec = buffer.Spec{Name: IndicesName, Tuple: buffer.Tuple(buffer.Int3, 1)}
		src = buffer.NewArraySource(IndicesName, tris, 1)
		n = len(tris)
	default:
		spec = buffer.Spec{Name: CurveVertexCountsName, Tuple: buffer.Tuple(buffer.Int, 1)}
		src = buffer.NewArraySource(CurveVertexCountsName, topo.FaceVertexCounts, 1)
		n = len(topo.FaceVertexCounts)
	}
	prev := p.topology
	p.topology = nil
	if n > 0 {
		// Prims with identical topology share one index range.
		rng, err := s.reg.AllocateSharedTopologyRange(src, aggregate.HintIndex)
		if err != nil {
			s.warn(spec.Name, err)
		} else {
			p.topology = rng
		}
	}
	if prev.IsValid() {
		prev.Release()
	}
	return nil
}

// Triangulate fans every face of topo into triangles. Faces with fewer than
// three vertices are skipped.
func Triangulate(topo compute.Topology) [][3]int32 {
	var tris [][3]int32
	base := 0
	for _, count := range topo.FaceVertexCounts {
		c := int(count)
		if c >= 3 && base+c <= len(topo.FaceVertexIndices) {
			idx := topo.FaceVertexIndices[base : base+c]
			for k := 1; k < c-1; k++ {
				tris = append(tris, [3]int32{idx[0], idx[k], idx[k+1]})
			}
		}
		base += c
	}
	return tris
}
