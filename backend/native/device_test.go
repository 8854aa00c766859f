//go:build !nogpu

package native

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/gpucore"
)

func TestRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.Native) {
		t.Fatal("native backend must register on import")
	}
	if got := backend.Available(); len(got) == 0 || got[0] != backend.Native {
		t.Errorf("native must have the highest priority, got %v", got)
	}
}

func TestSPIRVWords(t *testing.T) {
	words := spirvWords([]byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00, 0xff})
	if want := []uint32{0x07230203, 0x00010000}; !slices.Equal(words, want) {
		t.Errorf("spirvWords = %#x, want %#x", words, want)
	}
}

func TestLayoutEntries(t *testing.T) {
	entries, err := layoutEntries(
		[]gpucore.KernelBinding{{Name: "points", Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer}},
		[]gpucore.KernelBinding{{Name: "scaled", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []struct {
		binding uint32
		typ     gputypes.BufferBindingType
	}{
		{0, gputypes.BufferBindingTypeStorage},
		{1, gputypes.BufferBindingTypeReadOnlyStorage},
		{ConstantsBinding, gputypes.BufferBindingTypeReadOnlyStorage},
	}
	for i, w := range want {
		if entries[i].Binding != w.binding || entries[i].Buffer.Type != w.typ {
			t.Errorf("entry %d = binding %d type %v", i, entries[i].Binding, entries[i].Buffer.Type)
		}
	}
}

func TestLayoutEntriesRejects(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []gpucore.KernelBinding
		wantErr error
	}{
		{"sampler", []gpucore.KernelBinding{{Name: "s", Binding: 1, Type: gpucore.BindingTypeSampler}}, ErrUnsupportedBinding},
		{"reserved", []gpucore.KernelBinding{{Name: "c", Binding: ConstantsBinding, Type: gpucore.BindingTypeStorageBuffer}}, nil},
		{"duplicate", []gpucore.KernelBinding{{Name: "a", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}}, nil},
	}
	outputs := []gpucore.KernelBinding{{Name: "out", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := layoutEntries(tt.inputs, outputs)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewFromProviderWithoutHAL(t *testing.T) {
	if _, err := NewFromProvider(nil); !errors.Is(err, ErrNoHAL) {
		t.Errorf("expected ErrNoHAL, got %v", err)
	}
}

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> dst: array<f32>;
@group(0) @binding(1) var<storage, read> src: array<f32>;
@group(0) @binding(15) var<storage, read> params: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    if (i >= params[0]) {
        return;
    }
    dst[i] = 2.0 * src[i];
}
`

func TestDeviceRoundTrip(t *testing.T) {
	dev, err := Open()
	if err != nil {
		t.Skipf("GPU not available: %v", err)
	}
	defer dev.Close()

	kernel, err := dev.CompileKernel("double", doubleWGSL,
		[]gpucore.KernelBinding{{Name: "src", Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer}},
		[]gpucore.KernelBinding{{Name: "dst", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
		64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src, err := dev.CreateBuffer(gpucore.BufferDesc{Label: "src", Size: 16, Usage: gputypes.BufferUsageStorage,
		InitialData: []byte{0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64, 0, 0, 128, 64}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dst, err := dev.CreateBuffer(gpucore.BufferDesc{Label: "dst", Size: 16, Usage: gputypes.BufferUsageStorage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pipe, err := dev.CreateComputePipeline(gpucore.ComputePipelineDesc{Label: "double", Kernel: kernel, ConstantsSize: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	binds, err := dev.CreateResourceBindings(gpucore.ResourceBindingsDesc{Kernel: kernel, Entries: []gpucore.BindingEntry{
		{Binding: 0, Type: gpucore.BindingTypeStorageBuffer, Buffer: dst},
		{Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer, Buffer: src},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enc, err := dev.BeginComputeEncoding()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enc.BindPipeline(pipe)
	enc.BindResources(binds)
	enc.SetConstants([]byte{4, 0, 0, 0})
	enc.Dispatch(4)
	if err := enc.Submit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := dev.ReadBuffer(dst, 0, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0, 0, 0, 64, 0, 0, 128, 64, 0, 0, 192, 64, 0, 0, 0, 65}
	if !slices.Equal(got, want) {
		t.Errorf("dst = %v, want %v", got, want)
	}
}
