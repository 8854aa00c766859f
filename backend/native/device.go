//go:build !nogpu

// Package native implements gpucore.Device on gogpu/wgpu hal.
//
// Kernels are WGSL compute shaders compiled with naga. Every kernel reads
// its constants block as a read-only storage array of u32 at
// [ConstantsBinding]:
//
//	@group(0) @binding(15) var<storage, read> params: array<u32>;
//
// Commands recorded on an encoder are submitted as one hal command buffer
// and waited on with a fence, so every Device method is synchronous.
package native

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
)

// ConstantsBinding is the binding slot of the constants block.
const ConstantsBinding = 15

// submitTimeout bounds every fence wait.
const submitTimeout = 5 * time.Second

// Device errors.
var (
	ErrNoAdapter          = errors.New("native: no GPU adapter found")
	ErrNoVulkan           = errors.New("native: vulkan backend not available")
	ErrNoHAL              = errors.New("native: provider does not expose HAL types")
	ErrUnknownBuffer      = errors.New("native: unknown buffer")
	ErrUnknownKernel      = errors.New("native: unknown kernel")
	ErrUnsupportedBinding = errors.New("native: unsupported binding type")
	ErrBufferTooLarge     = errors.New("native: buffer exceeds device limit")
	ErrWaitTimeout        = errors.New("native: timed out waiting for the GPU")
	ErrClosed             = errors.New("native: device closed")
)

func init() {
	backend.Register(backend.Native, func() (gpucore.Device, error) {
		return Open()
	})
}

type nativeBuffer struct {
	buf  hal.Buffer
	size uint64
}

type nativeKernel struct {
	meta       gpucore.Kernel
	module     hal.ShaderModule
	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
}

type nativePipeline struct {
	kernel   *nativeKernel
	pipeline hal.ComputePipeline
}

type nativeBindings struct {
	kernel  *nativeKernel
	entries []gputypes.BindGroupEntry
}

// Device is a gpucore.Device backed by a hal device and queue.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool // shared device, not destroyed on Close
	limits   gpucore.Limits

	nextID    atomic.Uint64
	buffers   map[gpucore.BufferID]*nativeBuffer
	kernels   map[gpucore.KernelID]*nativeKernel
	pipelines map[gpucore.ComputePipelineID]*nativePipeline
	bindings  map[gpucore.ResourceBindingsID]*nativeBindings
}

var _ gpucore.Device = (*Device)(nil)

// Open creates a Vulkan instance and opens the first discrete or integrated
// GPU, or the first adapter when there is neither.
func Open() (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrNoVulkan
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	d := New(openDev.Device, openDev.Queue)
	d.instance = instance
	d.external = false
	diag.Logger().Info("native: device opened", slog.String("adapter", selected.Info.Name))
	return d, nil
}

// New wraps a hal device and queue the caller keeps ownership of.
func New(device hal.Device, queue hal.Queue) *Device {
	return &Device{
		device:    device,
		queue:     queue,
		external:  true,
		limits:    gpucore.DefaultLimits(),
		buffers:   make(map[gpucore.BufferID]*nativeBuffer),
		kernels:   make(map[gpucore.KernelID]*nativeKernel),
		pipelines: make(map[gpucore.ComputePipelineID]*nativePipeline),
		bindings:  make(map[gpucore.ResourceBindingsID]*nativeBindings),
	}
}

// NewFromProvider shares the device of an application that already owns
// one. The provider must also implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue), nil
}

// Close destroys every resource the device created. A device from Open is
// destroyed too; a shared one is left to its owner.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return
	}
	clear(d.bindings)
	for id, p := range d.pipelines {
		d.device.DestroyComputePipeline(p.pipeline)
		delete(d.pipelines, id)
	}
	for id, k := range d.kernels {
		d.destroyKernelLocked(k)
		delete(d.kernels, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device, d.queue, d.instance = nil, nil, nil
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// Limits implements gpucore.Device.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// =============================================================================
// Buffers
// =============================================================================

// CreateBuffer implements gpucore.Device. Buffers are always copyable so
// they can be migrated and read back.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return gpucore.InvalidID, ErrClosed
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &nativeBuffer{buf: buf, size: desc.Size}
	if len(desc.InitialData) > 0 {
		d.queue.WriteBuffer(buf, 0, desc.InitialData)
	}
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok && d.device != nil {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
}

func (d *Device) bufferLocked(id gpucore.BufferID, offset, size uint64) (*nativeBuffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("native: access [%d,%d) exceeds buffer %d of %d bytes", offset, offset+size, id, b.size)
	}
	return b, nil
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.bufferLocked(id, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	d.queue.WriteBuffer(b.buf, offset, data)
	return nil
}

// ReadBuffer implements gpucore.Device. The range is copied to a mappable
// staging buffer and read after the copy completes.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.bufferLocked(id, offset, size)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpures_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	err = d.submitLocked("gpures_readback", func(enc hal.CommandEncoder) error {
		enc.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("native: readback: %w", err)
	}
	return out, nil
}

// CopyBuffer implements gpucore.Device.
func (d *Device) CopyBuffer(copies []gpucore.BufferCopy) error {
	if len(copies) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	type resolved struct {
		src, dst hal.Buffer
		c        hal.BufferCopy
	}
	ops := make([]resolved, 0, len(copies))
	for _, c := range copies {
		src, err := d.bufferLocked(c.Src, c.SrcOffset, c.Size)
		if err != nil {
			return err
		}
		dst, err := d.bufferLocked(c.Dst, c.DstOffset, c.Size)
		if err != nil {
			return err
		}
		ops = append(ops, resolved{src.buf, dst.buf, hal.BufferCopy{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size}})
	}
	return d.submitLocked("gpures_copy", func(enc hal.CommandEncoder) error {
		for _, op := range ops {
			enc.CopyBufferToBuffer(op.src, op.dst, []hal.BufferCopy{op.c})
		}
		return nil
	})
}

// submitLocked records commands with fn, submits them and waits for the
// fence.
func (d *Device) submitLocked(label string, fn func(enc hal.CommandEncoder) error) error {
	if d.device == nil {
		return ErrClosed
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("native: begin encoding: %w", err)
	}
	if err := fn(enc); err != nil {
		return err
	}
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("native: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("native: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("native: submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, submitTimeout)
	if err != nil {
		return fmt.Errorf("native: wait: %w", err)
	}
	if !ok {
		return ErrWaitTimeout
	}
	return nil
}
