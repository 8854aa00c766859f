package gpucore

import "testing"

func TestKernelWorkgroups(t *testing.T) {
	tests := []struct {
		size  uint32
		count uint32
		want  uint32
	}{
		{0, 1, 1},
		{0, 64, 1},
		{0, 65, 2},
		{128, 1000, 8},
		{1, 7, 7},
	}
	for _, tt := range tests {
		k := &Kernel{WorkgroupSize: tt.size}
		if got := k.Workgroups(tt.count); got != tt.want {
			t.Errorf("Workgroups(%d) with size %d: expected %d, got %d", tt.count, tt.size, tt.want, got)
		}
	}
}

func TestBindingTypeIsBuffer(t *testing.T) {
	buffers := []BindingType{BindingTypeUniformBuffer, BindingTypeStorageBuffer, BindingTypeReadOnlyStorageBuffer}
	for _, b := range buffers {
		if !b.IsBuffer() {
			t.Errorf("%s should be a buffer binding", b)
		}
	}
	others := []BindingType{BindingTypeSampler, BindingTypeSampledTexture, BindingTypeStorageTexture}
	for _, b := range others {
		if b.IsBuffer() {
			t.Errorf("%s should not be a buffer binding", b)
		}
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.UniformOffsetAlignment != 256 {
		t.Errorf("expected uniform alignment 256, got %d", l.UniformOffsetAlignment)
	}
	if l.MaxUniformBlockSize >= l.MaxStorageBlockSize {
		t.Error("expected uniform blocks to be smaller than storage blocks")
	}
}
