package compute

import (
	"fmt"

	"github.com/chewxy/math32"
	"honnef.co/go/safeish"

	"github.com/gogpu/gpures/buffer"
)

// Topology is polygonal face topology: the vertex count of every face and
// the flattened vertex indices.
type Topology struct {
	FaceVertexCounts  []int32
	FaceVertexIndices []int32
}

// NumFaces returns the number of faces.
func (t Topology) NumFaces() int { return len(t.FaceVertexCounts) }

// Validate checks that counts and indices agree and indices are within
// numPoints.
func (t Topology) Validate(numPoints int) error {
	total := 0
	for _, n := range t.FaceVertexCounts {
		if n < 3 {
			return fmt.Errorf("compute: face with %d vertices", n)
		}
		total += int(n)
	}
	if total != len(t.FaceVertexIndices) {
		return fmt.Errorf("compute: %d face vertices, %d indices", total, len(t.FaceVertexIndices))
	}
	for _, i := range t.FaceVertexIndices {
		if i < 0 || int(i) >= numPoints {
			return fmt.Errorf("compute: index %d out of %d points", i, numPoints)
		}
	}
	return nil
}

// NewSmoothNormals returns a CPU computation producing per-vertex normals
// named output from a float3 points source and face topology. Each face
// contributes its area-weighted normal to its vertices; the sums are
// normalized.
func NewSmoothNormals(points buffer.Source, topo Topology, output string) *CPUComputation {
	outputs := buffer.Specs{{Name: output, Tuple: buffer.Tuple(buffer.Float3, 1)}}
	return NewCPUComputation("smoothNormals:"+output, []buffer.Source{points}, outputs,
		func(in Inputs, out *Outputs) error {
			src := in[0]
			if src.Tuple() != buffer.Tuple(buffer.Float3, 1) {
				return fmt.Errorf("%w: points are %s", buffer.ErrTypeMismatch, src.Tuple())
			}
			pts := safeish.SliceCast[[][3]float32](src.Data())
			if err := topo.Validate(len(pts)); err != nil {
				return err
			}
			return SetOutput(out, output, smoothNormals(pts, topo))
		})
}

func smoothNormals(pts [][3]float32, topo Topology) [][3]float32 {
	normals := make([][3]float32, len(pts))
	base := 0
	for _, count := range topo.FaceVertexCounts {
		face := topo.FaceVertexIndices[base : base+int(count)]
		base += int(count)

		// Newell's method handles non-planar polygons.
		var n [3]float32
		for i, vi := range face {
			a := pts[vi]
			b := pts[face[(i+1)%len(face)]]
			n[0] += (a[1] - b[1]) * (a[2] + b[2])
			n[1] += (a[2] - b[2]) * (a[0] + b[0])
			n[2] += (a[0] - b[0]) * (a[1] + b[1])
		}
		for _, vi := range face {
			normals[vi][0] += n[0]
			normals[vi][1] += n[1]
			normals[vi][2] += n[2]
		}
	}
	for i, n := range normals {
		length := math32.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
		if length > 0 {
			normals[i] = [3]float32{n[0] / length, n[1] / length, n[2] / length}
		}
	}
	return normals
}
