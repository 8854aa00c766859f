package software

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
)

func mustBuffer(t *testing.T, d *Device, size uint64, initial []byte) gpucore.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(gpucore.BufferDesc{
		Label:       "test",
		Size:        size,
		Usage:       gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
		InitialData: initial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return id
}

func TestBufferWriteReadCopy(t *testing.T) {
	d := New()
	a := mustBuffer(t, d, 8, []byte{1, 2, 3, 4})
	b := mustBuffer(t, d, 8, nil)

	if err := d.WriteBuffer(a, 4, []byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.CopyBuffer([]gpucore.BufferCopy{{Src: a, Dst: b, SrcOffset: 2, DstOffset: 0, Size: 4}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := d.ReadBuffer(b, 0, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("expected [3 4 5 6], got %v", got)
	}

	if err := d.WriteBuffer(a, 6, []byte{1, 2, 3}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}

	d.DestroyBuffer(a)
	if _, err := d.ReadBuffer(a, 0, 1); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("expected ErrUnknownBuffer, got %v", err)
	}
	if s := d.Stats(); s.BuffersLive != 1 || s.BytesAllocated != 8 {
		t.Errorf("unexpected stats: %s", s)
	}
}

func TestBufferLimit(t *testing.T) {
	d := NewWithLimits(gpucore.Limits{MaxBufferSize: 16})
	if _, err := d.CreateBuffer(gpucore.BufferDesc{Size: 32}); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("expected ErrBufferTooLarge, got %v", err)
	}
}

func TestDispatchRunsKernelOnSubmit(t *testing.T) {
	d := New()
	out := mustBuffer(t, d, 4, nil)

	k := d.RegisterKernel("fill", nil,
		[]gpucore.KernelBinding{{Name: "out", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		func(inv *Invocation) error {
			buf := inv.Buffer(0)
			for i := 0; i < inv.Count; i++ {
				buf[i] = inv.Constants[0]
			}
			return nil
		})

	p, err := d.CreateComputePipeline(gpucore.ComputePipelineDesc{Kernel: k, ConstantsSize: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := d.CreateResourceBindings(gpucore.ResourceBindingsDesc{
		Kernel:  k,
		Entries: []gpucore.BindingEntry{{Binding: 0, Type: gpucore.BindingTypeStorageBuffer, Buffer: out}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enc, _ := d.BeginComputeEncoding()
	enc.BindPipeline(p)
	enc.BindResources(b)
	enc.SetConstants([]byte{9})
	enc.Dispatch(3)

	if len(d.Dispatches()) != 0 {
		t.Fatal("dispatch ran before submit")
	}
	if err := enc.Submit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.Submit(); !errors.Is(err, ErrEncoderSubmitted) {
		t.Errorf("expected ErrEncoderSubmitted, got %v", err)
	}

	got, _ := d.ReadBuffer(out, 0, 4)
	if !bytes.Equal(got, []byte{9, 9, 9, 0}) {
		t.Errorf("expected [9 9 9 0], got %v", got)
	}

	ds := d.Dispatches()
	if len(ds) != 1 || ds[0].Label != "fill" || ds[0].Bindings[0].Buffer != out {
		t.Errorf("unexpected dispatch log %v", ds)
	}
}

func TestBindingsRejectTextures(t *testing.T) {
	d := New()
	k := d.RegisterKernel("k", nil, nil, nil)
	_, err := d.CreateResourceBindings(gpucore.ResourceBindingsDesc{
		Kernel:  k,
		Entries: []gpucore.BindingEntry{{Binding: 0, Type: gpucore.BindingTypeSampledTexture}},
	})
	if !errors.Is(err, ErrUnsupportedBinding) {
		t.Errorf("expected ErrUnsupportedBinding, got %v", err)
	}
}
