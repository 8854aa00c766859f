//go:build !nogpu

package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/gpucore"
)

// ErrEncoderSubmitted is returned when a submitted encoder is reused.
var ErrEncoderSubmitted = errors.New("native: encoder already submitted")

type dispatch struct {
	pipeline  gpucore.ComputePipelineID
	bindings  gpucore.ResourceBindingsID
	constants []byte
	count     uint32
}

// encoder records dispatches and replays them as compute passes in one
// command buffer on Submit.
type encoder struct {
	dev *Device

	pipeline  gpucore.ComputePipelineID
	bindings  gpucore.ResourceBindingsID
	constants []byte

	dispatches []dispatch
	submitted  bool
}

// BeginComputeEncoding implements gpucore.Device.
func (d *Device) BeginComputeEncoding() (gpucore.ComputeEncoder, error) {
	return &encoder{dev: d}, nil
}

func (e *encoder) BindPipeline(id gpucore.ComputePipelineID)   { e.pipeline = id }
func (e *encoder) BindResources(id gpucore.ResourceBindingsID) { e.bindings = id }
func (e *encoder) SetConstants(data []byte)                    { e.constants = append([]byte(nil), data...) }

func (e *encoder) Dispatch(count uint32) {
	e.dispatches = append(e.dispatches, dispatch{
		pipeline:  e.pipeline,
		bindings:  e.bindings,
		constants: e.constants,
		count:     count,
	})
}

// Submit runs every recorded dispatch in order. Each dispatch is its own
// compute pass, so storage writes of one are visible to the next.
func (e *encoder) Submit() error {
	if e.submitted {
		return ErrEncoderSubmitted
	}
	e.submitted = true
	if len(e.dispatches) == 0 {
		return nil
	}

	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return ErrClosed
	}

	var (
		constBufs  []hal.Buffer
		bindGroups []hal.BindGroup
	)
	defer func() {
		for _, bg := range bindGroups {
			d.device.DestroyBindGroup(bg)
		}
		for _, b := range constBufs {
			d.device.DestroyBuffer(b)
		}
	}()

	type pass struct {
		pipeline   hal.ComputePipeline
		group      hal.BindGroup
		workgroups uint32
	}
	passes := make([]pass, 0, len(e.dispatches))
	for i, dp := range e.dispatches {
		p, ok := d.pipelines[dp.pipeline]
		if !ok {
			return fmt.Errorf("native: dispatch %d: unknown pipeline %d", i, dp.pipeline)
		}
		b, ok := d.bindings[dp.bindings]
		if !ok {
			return fmt.Errorf("native: dispatch %d: unknown bindings %d", i, dp.bindings)
		}

		// Storage bindings need a non-empty, 4-byte aligned buffer.
		size := max(uint64(len(dp.constants)+3)&^3, 4)
		cb, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "gpures_constants",
			Size:  size,
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("native: create constants buffer: %w", err)
		}
		constBufs = append(constBufs, cb)
		if len(dp.constants) > 0 {
			d.queue.WriteBuffer(cb, 0, dp.constants)
		}

		entries := append(append([]gputypes.BindGroupEntry(nil), b.entries...), gputypes.BindGroupEntry{
			Binding:  ConstantsBinding,
			Resource: gputypes.BufferBinding{Buffer: cb.NativeHandle(), Offset: 0, Size: size},
		})
		bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   b.kernel.meta.Label + "_bind",
			Layout:  b.kernel.layout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("native: create bind group: %w", err)
		}
		bindGroups = append(bindGroups, bg)
		passes = append(passes, pass{
			pipeline:   p.pipeline,
			group:      bg,
			workgroups: p.kernel.meta.Workgroups(dp.count),
		})
	}

	return d.submitLocked("gpures_compute", func(enc hal.CommandEncoder) error {
		for _, ps := range passes {
			cp := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "gpures_pass"})
			cp.SetPipeline(ps.pipeline)
			cp.SetBindGroup(0, ps.group, nil)
			cp.Dispatch(ps.workgroups, 1, 1)
			cp.End()
		}
		return nil
	})
}
