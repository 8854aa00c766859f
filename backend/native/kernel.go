//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/gpucore"
)

// CompileKernel compiles a WGSL compute shader with entry point "main" and
// returns the kernel handle the registry binds by name. inputs and outputs
// must not use ConstantsBinding.
func (d *Device) CompileKernel(label, wgsl string, inputs, outputs []gpucore.KernelBinding, workgroupSize uint32) (*gpucore.Kernel, error) {
	spirv, err := compileSPIRV(wgsl)
	if err != nil {
		return nil, fmt.Errorf("native: kernel %q: %w", label, err)
	}
	entries, err := layoutEntries(inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("native: kernel %q: %w", label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil, ErrClosed
	}
	k := &nativeKernel{}
	k.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("native: kernel %q: create shader module: %w", label, err)
	}
	k.layout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		d.destroyKernelLocked(k)
		return nil, fmt.Errorf("native: kernel %q: create bind group layout: %w", label, err)
	}
	k.pipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{k.layout},
	})
	if err != nil {
		d.destroyKernelLocked(k)
		return nil, fmt.Errorf("native: kernel %q: create pipeline layout: %w", label, err)
	}

	k.meta = gpucore.Kernel{
		ID:            gpucore.KernelID(d.newID()),
		Label:         label,
		Inputs:        inputs,
		Outputs:       outputs,
		WorkgroupSize: workgroupSize,
	}
	d.kernels[k.meta.ID] = k
	meta := k.meta
	return &meta, nil
}

func (d *Device) destroyKernelLocked(k *nativeKernel) {
	if k.pipeLayout != nil {
		d.device.DestroyPipelineLayout(k.pipeLayout)
	}
	if k.layout != nil {
		d.device.DestroyBindGroupLayout(k.layout)
	}
	if k.module != nil {
		d.device.DestroyShaderModule(k.module)
	}
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	return spirvWords(spirvBytes), nil
}

func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

func bufferBindingType(t gpucore.BindingType) (gputypes.BufferBindingType, error) {
	switch t {
	case gpucore.BindingTypeUniformBuffer:
		return gputypes.BufferBindingTypeUniform, nil
	case gpucore.BindingTypeStorageBuffer:
		return gputypes.BufferBindingTypeStorage, nil
	case gpucore.BindingTypeReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedBinding, t)
	}
}

// layoutEntries builds the bind group layout of a kernel: its declared
// bindings followed by the constants block.
func layoutEntries(inputs, outputs []gpucore.KernelBinding) ([]gputypes.BindGroupLayoutEntry, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(inputs)+len(outputs)+1)
	seen := make(map[uint32]bool)
	for _, kb := range append(append([]gpucore.KernelBinding(nil), outputs...), inputs...) {
		if kb.Binding == ConstantsBinding || seen[kb.Binding] {
			return nil, fmt.Errorf("binding %d of %q is reserved or duplicated", kb.Binding, kb.Name)
		}
		seen[kb.Binding] = true
		bt, err := bufferBindingType(kb.Type)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    kb.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bt},
		})
	}
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    ConstantsBinding,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
	})
	return entries, nil
}

// =============================================================================
// Pipelines and bindings
// =============================================================================

// CreateComputePipeline implements gpucore.Device.
func (d *Device) CreateComputePipeline(desc gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return gpucore.InvalidID, ErrClosed
	}
	k, ok := d.kernels[desc.Kernel.ID]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Kernel.Label)
	}
	p, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  k.pipeLayout,
		Compute: hal.ComputeState{Module: k.module, EntryPoint: "main"},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create compute pipeline %q: %w", desc.Label, err)
	}
	id := gpucore.ComputePipelineID(d.newID())
	d.pipelines[id] = &nativePipeline{kernel: k, pipeline: p}
	return id, nil
}

// DestroyComputePipeline implements gpucore.Device.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[id]; ok && d.device != nil {
		d.device.DestroyComputePipeline(p.pipeline)
		delete(d.pipelines, id)
	}
}

// CreateResourceBindings implements gpucore.Device. The hal bind group is
// created per dispatch, once the constants buffer exists.
func (d *Device) CreateResourceBindings(desc gpucore.ResourceBindingsDesc) (gpucore.ResourceBindingsID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.kernels[desc.Kernel.ID]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Kernel.Label)
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		if !e.Type.IsBuffer() {
			return gpucore.InvalidID, fmt.Errorf("%w: %s", ErrUnsupportedBinding, e.Type)
		}
		b, ok := d.buffers[e.Buffer]
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("%w: %d", ErrUnknownBuffer, e.Buffer)
		}
		size := e.Size
		if size == 0 {
			size = b.size - e.Offset
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: e.Offset, Size: size},
		})
	}
	id := gpucore.ResourceBindingsID(d.newID())
	d.bindings[id] = &nativeBindings{kernel: k, entries: entries}
	return id, nil
}

// DestroyResourceBindings implements gpucore.Device.
func (d *Device) DestroyResourceBindings(id gpucore.ResourceBindingsID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindings, id)
}
