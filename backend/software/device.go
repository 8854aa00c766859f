// Package software provides an in-memory gpucore.Device.
//
// Buffers are byte slices and kernels are Go functions registered with
// [Device.RegisterKernel]. Every operation is appended to a command log so
// callers can inspect what reached the device and in which order: uploads,
// copies, dispatches with their bound buffers, and buffer lifetimes.
//
// The device is safe for concurrent use, though the registry drives it from a
// single goroutine.
package software

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
)

// Device errors.
var (
	// ErrUnknownBuffer is returned for operations on destroyed or unknown buffers.
	ErrUnknownBuffer = errors.New("software: unknown buffer")

	// ErrOutOfRange is returned when an access exceeds the buffer size.
	ErrOutOfRange = errors.New("software: access out of range")

	// ErrUnknownKernel is returned when a pipeline names an unregistered kernel.
	ErrUnknownKernel = errors.New("software: unknown kernel")

	// ErrUnsupportedBinding is returned for non-buffer binding types.
	ErrUnsupportedBinding = errors.New("software: unsupported binding type")

	// ErrBufferTooLarge is returned when a buffer exceeds the device limit.
	ErrBufferTooLarge = errors.New("software: buffer exceeds device limit")

	// ErrEncoderSubmitted is returned when a submitted encoder is reused.
	ErrEncoderSubmitted = errors.New("software: encoder already submitted")
)

// KernelFunc runs one dispatch of a software kernel.
type KernelFunc func(inv *Invocation) error

// Invocation is the view a KernelFunc gets of one dispatch.
type Invocation struct {
	// Count is the dispatch count.
	Count int

	// Constants is the constants block set on the encoder.
	Constants []byte

	buffers map[uint32][]byte
}

// Buffer returns the bytes bound at slot binding, honoring the bound offset
// and size. Writes through the slice modify the device buffer.
func (inv *Invocation) Buffer(binding uint32) []byte {
	return inv.buffers[binding]
}

type buffer struct {
	label string
	usage gputypes.BufferUsage
	data  []byte
}

type kernel struct {
	meta gpucore.Kernel
	fn   KernelFunc
}

type pipeline struct {
	kernel        gpucore.KernelID
	constantsSize int
}

type bindings struct {
	kernel  gpucore.KernelID
	entries []gpucore.BindingEntry
}

// Stats counts resources created by the device.
type Stats struct {
	BuffersCreated   int
	BuffersLive      int
	BytesAllocated   uint64
	PipelinesCreated int
	BindingsCreated  int
	Dispatches       int
	Writes           int
	Copies           int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Buffers: %d live (%d created, %d bytes), Pipelines: %d, Bindings: %d, Dispatches: %d, Writes: %d, Copies: %d",
		s.BuffersLive, s.BuffersCreated, s.BytesAllocated, s.PipelinesCreated, s.BindingsCreated,
		s.Dispatches, s.Writes, s.Copies)
}

// Device is an in-memory gpucore.Device.
type Device struct {
	mu sync.Mutex

	limits gpucore.Limits
	nextID atomic.Uint64

	buffers   map[gpucore.BufferID]*buffer
	kernels   map[gpucore.KernelID]*kernel
	pipelines map[gpucore.ComputePipelineID]pipeline
	bindings  map[gpucore.ResourceBindingsID]bindings

	log   []Command
	stats Stats
}

var _ gpucore.Device = (*Device)(nil)

// New creates a device with gpucore.DefaultLimits.
func New() *Device {
	return NewWithLimits(gpucore.DefaultLimits())
}

// NewWithLimits creates a device reporting limits.
func NewWithLimits(limits gpucore.Limits) *Device {
	return &Device{
		limits:    limits,
		buffers:   make(map[gpucore.BufferID]*buffer),
		kernels:   make(map[gpucore.KernelID]*kernel),
		pipelines: make(map[gpucore.ComputePipelineID]pipeline),
		bindings:  make(map[gpucore.ResourceBindingsID]bindings),
	}
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// Limits implements gpucore.Device.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// RegisterKernel registers fn as a compiled kernel with the given metadata.
// The returned kernel carries a fresh ID.
func (d *Device) RegisterKernel(label string, inputs, outputs []gpucore.KernelBinding, fn KernelFunc) *gpucore.Kernel {
	k := &gpucore.Kernel{
		ID:      gpucore.KernelID(d.newID()),
		Label:   label,
		Inputs:  inputs,
		Outputs: outputs,
	}
	d.mu.Lock()
	d.kernels[k.ID] = &kernel{meta: *k, fn: fn}
	d.mu.Unlock()
	return k
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, desc.Size, d.limits.MaxBufferSize)
	}
	id := gpucore.BufferID(d.newID())
	b := &buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	copy(b.data, desc.InitialData)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers[id] = b
	d.stats.BuffersCreated++
	d.stats.BuffersLive++
	d.stats.BytesAllocated += desc.Size
	d.record(Command{Op: OpCreateBuffer, Label: desc.Label, Buffer: id, Size: desc.Size})
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.stats.BuffersLive--
	d.stats.BytesAllocated -= uint64(len(b.data))
	d.record(Command{Op: OpDestroyBuffer, Label: b.label, Buffer: id, Size: uint64(len(b.data))})
}

// span returns b.data[offset:offset+size] or an error.
func (d *Device) span(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	end := offset + size
	if end < offset || end > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d bytes in buffer %d", ErrOutOfRange, offset, end, len(b.data), id)
	}
	return b.data[offset:end], nil
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst, err := d.span(id, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	d.stats.Writes++
	d.record(Command{Op: OpWrite, Buffer: id, Offset: offset, Size: uint64(len(data))})
	return nil
}

// ReadBuffer implements gpucore.Device.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, err := d.span(id, offset, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, src)
	return out, nil
}

// CopyBuffer implements gpucore.Device.
func (d *Device) CopyBuffer(copies []gpucore.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range copies {
		src, err := d.span(c.Src, c.SrcOffset, c.Size)
		if err != nil {
			return err
		}
		dst, err := d.span(c.Dst, c.DstOffset, c.Size)
		if err != nil {
			return err
		}
		copy(dst, src)
		d.stats.Copies++
		d.record(Command{Op: OpCopy, Buffer: c.Dst, Source: c.Src, Offset: c.DstOffset, Size: c.Size})
	}
	return nil
}

// CreateComputePipeline implements gpucore.Device.
func (d *Device) CreateComputePipeline(desc gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	if desc.Kernel == nil {
		return gpucore.InvalidID, ErrUnknownKernel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kernels[desc.Kernel.ID]; !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Kernel.Label)
	}
	id := gpucore.ComputePipelineID(d.newID())
	d.pipelines[id] = pipeline{kernel: desc.Kernel.ID, constantsSize: desc.ConstantsSize}
	d.stats.PipelinesCreated++
	d.record(Command{Op: OpCreatePipeline, Label: desc.Kernel.Label})
	return id, nil
}

// DestroyComputePipeline implements gpucore.Device.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

// CreateResourceBindings implements gpucore.Device.
func (d *Device) CreateResourceBindings(desc gpucore.ResourceBindingsDesc) (gpucore.ResourceBindingsID, error) {
	if desc.Kernel == nil {
		return gpucore.InvalidID, ErrUnknownKernel
	}
	for _, e := range desc.Entries {
		if !e.Type.IsBuffer() {
			return gpucore.InvalidID, fmt.Errorf("%w: %s at binding %d", ErrUnsupportedBinding, e.Type, e.Binding)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range desc.Entries {
		if _, ok := d.buffers[e.Buffer]; !ok {
			return gpucore.InvalidID, fmt.Errorf("%w: %d at binding %d", ErrUnknownBuffer, e.Buffer, e.Binding)
		}
	}
	id := gpucore.ResourceBindingsID(d.newID())
	entries := make([]gpucore.BindingEntry, len(desc.Entries))
	copy(entries, desc.Entries)
	d.bindings[id] = bindings{kernel: desc.Kernel.ID, entries: entries}
	d.stats.BindingsCreated++
	return id, nil
}

// DestroyResourceBindings implements gpucore.Device.
func (d *Device) DestroyResourceBindings(id gpucore.ResourceBindingsID) {
	d.mu.Lock()
	delete(d.bindings, id)
	d.mu.Unlock()
}

// BeginComputeEncoding implements gpucore.Device.
func (d *Device) BeginComputeEncoding() (gpucore.ComputeEncoder, error) {
	return &encoder{dev: d}, nil
}

// Stats returns resource counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// BufferSize returns the size of a live buffer, or false.
func (d *Device) BufferSize(id gpucore.BufferID) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return 0, false
	}
	return uint64(len(b.data)), true
}

// LiveBuffers returns the number of live buffers.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// dispatch runs one recorded dispatch. Called with d.mu held.
func (d *Device) dispatch(p gpucore.ComputePipelineID, b gpucore.ResourceBindingsID, constants []byte, count uint32) error {
	pl, ok := d.pipelines[p]
	if !ok {
		return fmt.Errorf("%w: pipeline %d", ErrUnknownKernel, p)
	}
	k, ok := d.kernels[pl.kernel]
	if !ok {
		return fmt.Errorf("%w: kernel %d", ErrUnknownKernel, pl.kernel)
	}
	bs := d.bindings[b]

	inv := &Invocation{
		Count:     int(count),
		Constants: constants,
		buffers:   make(map[uint32][]byte, len(bs.entries)),
	}
	for _, e := range bs.entries {
		buf, ok := d.buffers[e.Buffer]
		if !ok {
			return fmt.Errorf("%w: %d at binding %d", ErrUnknownBuffer, e.Buffer, e.Binding)
		}
		size := e.Size
		if size == 0 {
			size = uint64(len(buf.data)) - e.Offset
		}
		span, err := d.span(e.Buffer, e.Offset, size)
		if err != nil {
			return err
		}
		inv.buffers[e.Binding] = span
	}

	d.stats.Dispatches++
	entries := make([]gpucore.BindingEntry, len(bs.entries))
	copy(entries, bs.entries)
	d.record(Command{Op: OpDispatch, Label: k.meta.Label, Kernel: k.meta.ID, Count: count, Bindings: entries})

	if k.fn == nil {
		return nil
	}
	return k.fn(inv)
}

// encoder records dispatches and runs them on Submit.
type encoder struct {
	dev       *Device
	pipeline  gpucore.ComputePipelineID
	bindings  gpucore.ResourceBindingsID
	constants []byte
	pending   []pendingDispatch
	submitted bool
}

type pendingDispatch struct {
	pipeline  gpucore.ComputePipelineID
	bindings  gpucore.ResourceBindingsID
	constants []byte
	count     uint32
}

func (e *encoder) BindPipeline(id gpucore.ComputePipelineID)   { e.pipeline = id }
func (e *encoder) BindResources(id gpucore.ResourceBindingsID) { e.bindings = id }

func (e *encoder) SetConstants(data []byte) {
	e.constants = append([]byte(nil), data...)
}

func (e *encoder) Dispatch(count uint32) {
	e.pending = append(e.pending, pendingDispatch{e.pipeline, e.bindings, e.constants, count})
}

func (e *encoder) Submit() error {
	if e.submitted {
		return ErrEncoderSubmitted
	}
	e.submitted = true

	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	var errs []error
	for _, p := range e.pending {
		if err := e.dev.dispatch(p.pipeline, p.bindings, p.constants, p.count); err != nil {
			errs = append(errs, err)
		}
	}
	e.dev.record(Command{Op: OpSubmit, Count: uint32(len(e.pending))})
	return errors.Join(errs...)
}
