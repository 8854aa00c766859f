package aggregate

import (
	"slices"

	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/gpucore"
)

// member places one attribute inside an element of an array.
type member struct {
	spec   buffer.Spec
	offset uint64 // byte offset inside the struct; 0 for SoA
	size   uint64 // bytes of one element of this attribute
}

// structLayout is the per-element memory layout of an array. For SoA each
// attribute has its own buffer and its own stride; for interleaved layouts
// every attribute shares one buffer and the struct stride.
type structLayout struct {
	kind    Layout
	members []member
	stride  uint64 // interleaved struct stride; 0 for SoA
}

// alignment returns the base alignment of a tuple: component size times the
// vector width, with three-component vectors aligned like four and matrices
// aligned like their column vectors.
func alignment(t buffer.TupleType) uint64 {
	comps := t.Type.Components()
	if comps > 4 {
		comps = 4
	}
	if comps == 3 {
		comps = 4
	}
	return uint64(t.Type.Component.Size() * comps)
}

// alignOffset rounds offset up to a multiple of align, which must be a power
// of two.
func alignOffset(offset, align uint64) uint64 {
	if align == 0 {
		return offset
	}
	return offset + ((align - (offset & (align - 1))) & (align - 1))
}

// roundUp rounds v up to a multiple of m for any m > 0.
func roundUp(v, m uint64) uint64 {
	if m == 0 {
		return v
	}
	return (v + m - 1) / m * m
}

// newStructLayout computes the layout of specs in request order.
func newStructLayout(kind Layout, specs buffer.Specs, uniformAlign uint64) *structLayout {
	l := &structLayout{kind: kind, members: make([]member, 0, len(specs))}
	if !kind.Interleaved() {
		for _, s := range specs {
			l.members = append(l.members, member{spec: s, size: uint64(s.Tuple.Size())})
		}
		return l
	}

	var structAlign uint64
	if kind == LayoutStd140 {
		structAlign = 16
	}
	var offset uint64
	for _, s := range specs {
		align := alignment(s.Tuple)
		size := uint64(s.Tuple.Size())
		if s.Tuple.Count > 1 {
			elem := uint64(s.Tuple.Type.Size())
			if kind == LayoutStd140 {
				elem = roundUp(alignOffset(elem, align), 16)
				align = max(align, 16)
			}
			size = elem * uint64(s.Tuple.Count)
		}
		structAlign = max(structAlign, align)
		offset = alignOffset(offset, align)
		l.members = append(l.members, member{spec: s, offset: offset, size: size})
		offset += size
	}
	l.stride = alignOffset(offset, structAlign)
	if kind == LayoutStd140 {
		l.stride = roundUp(l.stride, uniformAlign)
	}
	return l
}

// find returns the member for name.
func (l *structLayout) find(name string) (member, bool) {
	for _, m := range l.members {
		if m.spec.Name == name {
			return m, true
		}
	}
	return member{}, false
}

// strideOf returns the byte distance between consecutive elements of m.
func (l *structLayout) strideOf(m member) uint64 {
	if l.kind.Interleaved() {
		return l.stride
	}
	return m.size
}

// maxStride returns the largest per-element stride of any buffer.
func (l *structLayout) maxStride() uint64 {
	if l.kind.Interleaved() {
		return l.stride
	}
	var s uint64
	for _, m := range l.members {
		s = max(s, m.size)
	}
	return s
}

// bytesPerElement returns the total bytes one element occupies across all
// buffers.
func (l *structLayout) bytesPerElement() uint64 {
	if l.kind.Interleaved() {
		return l.stride
	}
	var s uint64
	for _, m := range l.members {
		s += m.size
	}
	return s
}

// copies returns the device copies that move n elements starting at
// fromStart in from to toStart in to.
func (l *structLayout) copies(from *storage, fromStart int, to *storage, toStart int, n int) []gpucore.BufferCopy {
	if n <= 0 {
		return nil
	}
	if l.kind.Interleaved() {
		return []gpucore.BufferCopy{{
			Src:       from.shared,
			Dst:       to.shared,
			SrcOffset: uint64(fromStart) * l.stride,
			DstOffset: uint64(toStart) * l.stride,
			Size:      uint64(n) * l.stride,
		}}
	}
	out := make([]gpucore.BufferCopy, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, gpucore.BufferCopy{
			Src:       from.buffers[m.spec.Name],
			Dst:       to.buffers[m.spec.Name],
			SrcOffset: uint64(fromStart) * m.size,
			DstOffset: uint64(toStart) * m.size,
			Size:      uint64(n) * m.size,
		})
	}
	return out
}

// coalesce merges copies between the same buffer pair whose source and
// destination spans are both contiguous.
func coalesce(copies []gpucore.BufferCopy) []gpucore.BufferCopy {
	if len(copies) < 2 {
		return copies
	}
	sorted := slices.Clone(copies)
	slices.SortStableFunc(sorted, func(a, b gpucore.BufferCopy) int {
		switch {
		case a.Src != b.Src:
			return cmpID(a.Src, b.Src)
		case a.Dst != b.Dst:
			return cmpID(a.Dst, b.Dst)
		case a.SrcOffset < b.SrcOffset:
			return -1
		case a.SrcOffset > b.SrcOffset:
			return 1
		}
		return 0
	})
	out := sorted[:1]
	for _, c := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Src == c.Src && last.Dst == c.Dst &&
			last.SrcOffset+last.Size == c.SrcOffset &&
			last.DstOffset+last.Size == c.DstOffset {
			last.Size += c.Size
			continue
		}
		out = append(out, c)
	}
	return out
}

func cmpID(a, b gpucore.BufferID) int {
	if a < b {
		return -1
	}
	return 1
}
