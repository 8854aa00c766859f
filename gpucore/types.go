package gpucore

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent device resources. Each backend maintains the
// mapping between IDs and its actual resources.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// KernelID is an opaque handle to a compiled compute program.
type KernelID uint64

// ComputePipelineID is an opaque handle to a compute pipeline.
type ComputePipelineID uint64

// ResourceBindingsID is an opaque handle to a set of bound resources.
type ResourceBindingsID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is a debug label.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage gputypes.BufferUsage

	// InitialData, when non-nil, is written at offset 0 after creation.
	InitialData []byte
}

// BufferCopy describes one device-side copy between buffers.
type BufferCopy struct {
	Src       BufferID
	Dst       BufferID
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BindingType specifies the type of resource binding.
type BindingType uint8

// Binding types.
const (
	// BindingTypeUniformBuffer is a uniform buffer binding.
	BindingTypeUniformBuffer BindingType = iota

	// BindingTypeStorageBuffer is a read-write storage buffer binding.
	BindingTypeStorageBuffer

	// BindingTypeReadOnlyStorageBuffer is a read-only storage buffer binding.
	BindingTypeReadOnlyStorageBuffer

	// BindingTypeSampler is a sampler binding.
	BindingTypeSampler

	// BindingTypeSampledTexture is a sampled texture binding.
	BindingTypeSampledTexture

	// BindingTypeStorageTexture is a storage texture binding.
	BindingTypeStorageTexture
)

// String returns the binding type name.
func (t BindingType) String() string {
	switch t {
	case BindingTypeUniformBuffer:
		return "uniform"
	case BindingTypeStorageBuffer:
		return "storage"
	case BindingTypeReadOnlyStorageBuffer:
		return "read-only-storage"
	case BindingTypeSampler:
		return "sampler"
	case BindingTypeSampledTexture:
		return "sampled-texture"
	case BindingTypeStorageTexture:
		return "storage-texture"
	default:
		return fmt.Sprintf("BindingType(%d)", uint8(t))
	}
}

// IsBuffer reports whether the binding type binds a buffer.
func (t BindingType) IsBuffer() bool {
	return t == BindingTypeUniformBuffer || t == BindingTypeStorageBuffer ||
		t == BindingTypeReadOnlyStorageBuffer
}

// KernelBinding is one declared kernel input or output.
type KernelBinding struct {
	// Name is the attribute the binding reads or writes.
	Name string

	// Binding is the slot number in the kernel's binding layout.
	Binding uint32

	// Type is the binding type.
	Type BindingType
}

// Kernel is a compiled compute program handle plus the metadata the
// scheduler needs to bind it.
type Kernel struct {
	// ID identifies the compiled program.
	ID KernelID

	// Label is a debug label.
	Label string

	// Inputs lists the declared inputs in binding order.
	Inputs []KernelBinding

	// Outputs lists the declared outputs in binding order.
	Outputs []KernelBinding

	// WorkgroupSize is the number of invocations per workgroup along x.
	// Zero means 64.
	WorkgroupSize uint32
}

// Workgroups returns the number of workgroups needed for count invocations.
func (k *Kernel) Workgroups(count uint32) uint32 {
	size := k.WorkgroupSize
	if size == 0 {
		size = 64
	}
	return (count + size - 1) / size
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	// Label is a debug label.
	Label string

	// Kernel is the program the pipeline runs.
	Kernel *Kernel

	// ConstantsSize is the byte size of the constants block set with
	// ComputeEncoder.SetConstants.
	ConstantsSize int
}

// BindingEntry binds one buffer to one kernel slot.
type BindingEntry struct {
	// Binding is the slot number.
	Binding uint32

	// Type is the binding type.
	Type BindingType

	// Buffer is the bound buffer.
	Buffer BufferID

	// Offset is the byte offset into the buffer.
	Offset uint64

	// Size is the bound byte size. Zero binds the rest of the buffer.
	Size uint64
}

// ResourceBindingsDesc describes a set of bindings for one kernel.
type ResourceBindingsDesc struct {
	// Label is a debug label.
	Label string

	// Kernel is the kernel whose layout the bindings follow.
	Kernel *Kernel

	// Entries lists the bound resources.
	Entries []BindingEntry
}

// Limits reports device limits relevant to buffer aggregation.
type Limits struct {
	// MaxBufferSize is the largest buffer the device can create.
	MaxBufferSize uint64

	// MaxUniformBlockSize is the largest bindable uniform range.
	MaxUniformBlockSize uint64

	// MaxStorageBlockSize is the largest bindable storage range.
	MaxStorageBlockSize uint64

	// UniformOffsetAlignment is the required alignment of uniform offsets.
	UniformOffsetAlignment uint64

	// StorageOffsetAlignment is the required alignment of storage offsets.
	StorageOffsetAlignment uint64
}

// DefaultLimits returns conservative WebGPU-like limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:          1 << 30,
		MaxUniformBlockSize:    64 << 10,
		MaxStorageBlockSize:    128 << 20,
		UniformOffsetAlignment: 256,
		StorageOffsetAlignment: 256,
	}
}
