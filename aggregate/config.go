package aggregate

import (
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
)

// UsageHint describes how a range will be consumed. The full hint value
// participates in the aggregation id, so ranges with different hints never
// share an array.
type UsageHint uint32

// Usage hint bits.
const (
	// HintVertex marks per-vertex attribute data.
	HintVertex UsageHint = 1 << iota
	// HintIndex marks topology index data.
	HintIndex
	// HintUniform marks uniform block data.
	HintUniform
	// HintStorage marks storage block data.
	HintStorage
	// HintImmutable marks ranges whose content never changes after the first
	// commit. Updating such a range migrates it.
	HintImmutable
	// HintSizeVarying marks ranges that are expected to be resized often.
	HintSizeVarying
)

// Has reports whether h contains every bit of flag.
func (h UsageHint) Has(flag UsageHint) bool { return h&flag == flag }

// String returns the set bits joined by "|".
func (h UsageHint) String() string {
	if h == 0 {
		return "none"
	}
	names := []string{"vertex", "index", "uniform", "storage", "immutable", "sizeVarying"}
	var parts []string
	for i, name := range names {
		if h&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// bufferUsage maps a hint to device buffer usage flags. Every aggregated
// buffer can be a copy source and destination for uploads and relocation.
func (h UsageHint) bufferUsage(layout Layout) gputypes.BufferUsage {
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage
	if h.Has(HintVertex) {
		usage |= gputypes.BufferUsageVertex
	}
	if h.Has(HintIndex) {
		usage |= gputypes.BufferUsageIndex
	}
	if layout == LayoutStd140 || h.Has(HintUniform) {
		usage |= gputypes.BufferUsageUniform
	}
	return usage
}

// Layout is the memory layout an aggregation strategy packs ranges with.
type Layout uint8

// Layouts.
const (
	// LayoutSoA stores each attribute in its own tightly packed buffer.
	LayoutSoA Layout = iota
	// LayoutStd140 interleaves attributes into uniform block structs.
	LayoutStd140
	// LayoutStd430 interleaves attributes into storage block structs.
	LayoutStd430
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutSoA:
		return "soa"
	case LayoutStd140:
		return "std140"
	case LayoutStd430:
		return "std430"
	default:
		return "unknown"
	}
}

// Interleaved reports whether l packs attributes into one struct buffer.
func (l Layout) Interleaved() bool { return l != LayoutSoA }

// Default configuration values.
const (
	DefaultGrowthFactor           = 2.0
	DefaultCompactionThreshold    = 0.5
	DefaultMaxArrayBytes          = 1 << 30
	DefaultMaxUniformBlockBytes   = 64 << 10
	DefaultMaxStorageBlockBytes   = 128 << 20
	DefaultUniformOffsetAlignment = 256
	DefaultStagingDirectThreshold = 512 << 10
)

// Config tunes growth, compaction and staging.
type Config struct {
	// GrowthFactor multiplies the capacity of an array that must grow.
	// Values below 1 take the default (2).
	GrowthFactor float64

	// CompactionThreshold is the occupancy below which garbage collection
	// compacts an array. Values outside (0, 1] take the default (0.5).
	CompactionThreshold float64

	// MaxArrayBytes bounds the buffer size of one array. Ranges that do not
	// fit are split into a new array. Clamped to the device limit.
	MaxArrayBytes uint64

	// MaxUniformBlockBytes bounds a single uniform range.
	MaxUniformBlockBytes uint64

	// MaxStorageBlockBytes bounds a single storage range.
	MaxStorageBlockBytes uint64

	// UniformOffsetAlignment pads std140 struct strides so every range can be
	// bound at its own offset. Zero takes the device limit.
	UniformOffsetAlignment uint64

	// StagingDirectThreshold is the write size from which uploads bypass
	// staging and go straight to the device.
	StagingDirectThreshold int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		GrowthFactor:           DefaultGrowthFactor,
		CompactionThreshold:    DefaultCompactionThreshold,
		MaxArrayBytes:          DefaultMaxArrayBytes,
		MaxUniformBlockBytes:   DefaultMaxUniformBlockBytes,
		MaxStorageBlockBytes:   DefaultMaxStorageBlockBytes,
		UniformOffsetAlignment: DefaultUniformOffsetAlignment,
		StagingDirectThreshold: DefaultStagingDirectThreshold,
	}
}

// withDefaults fills zero fields and clamps to limits.
func (c Config) withDefaults(limits gpucore.Limits) Config {
	if c.GrowthFactor < 1 {
		c.GrowthFactor = DefaultGrowthFactor
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = DefaultCompactionThreshold
	}
	if c.MaxArrayBytes == 0 {
		c.MaxArrayBytes = DefaultMaxArrayBytes
	}
	if limits.MaxBufferSize > 0 && c.MaxArrayBytes > limits.MaxBufferSize {
		c.MaxArrayBytes = limits.MaxBufferSize
	}
	if c.MaxUniformBlockBytes == 0 {
		c.MaxUniformBlockBytes = DefaultMaxUniformBlockBytes
	}
	if limits.MaxUniformBlockSize > 0 && c.MaxUniformBlockBytes > limits.MaxUniformBlockSize {
		c.MaxUniformBlockBytes = limits.MaxUniformBlockSize
	}
	if c.MaxStorageBlockBytes == 0 {
		c.MaxStorageBlockBytes = DefaultMaxStorageBlockBytes
	}
	if limits.MaxStorageBlockSize > 0 && c.MaxStorageBlockBytes > limits.MaxStorageBlockSize {
		c.MaxStorageBlockBytes = limits.MaxStorageBlockSize
	}
	if c.UniformOffsetAlignment == 0 {
		c.UniformOffsetAlignment = limits.UniformOffsetAlignment
	}
	if c.UniformOffsetAlignment == 0 {
		c.UniformOffsetAlignment = DefaultUniformOffsetAlignment
	}
	if c.StagingDirectThreshold <= 0 {
		c.StagingDirectThreshold = DefaultStagingDirectThreshold
	}
	return c
}
