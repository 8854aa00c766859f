package gpucore

// Device abstracts over backend implementations.
//
// This interface is the only way the aggregation and scheduling layers touch
// GPU state. Callers serialize access; backends need not be safe for
// concurrent use.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource while in use is undefined behavior
//   - IDs become invalid after destruction and are never reused
type Device interface {
	// === Capabilities ===

	// Limits returns the device limits.
	Limits() Limits

	// === Buffer Management ===

	// CreateBuffer creates a buffer and writes desc.InitialData into it
	// when present.
	//
	// Returns the buffer ID or an error if allocation fails.
	CreateBuffer(desc BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes data to a buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer reads size bytes from a buffer at offset.
	// This waits for outstanding device work that touches the buffer.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CopyBuffer performs device-side copies in order.
	CopyBuffer(copies []BufferCopy) error

	// === Pipelines and Bindings ===

	// CreateComputePipeline creates a pipeline for desc.Kernel with a
	// constants block of desc.ConstantsSize bytes.
	CreateComputePipeline(desc ComputePipelineDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateResourceBindings creates a binding set following the kernel's
	// layout. Non-buffer binding types may be rejected.
	CreateResourceBindings(desc ResourceBindingsDesc) (ResourceBindingsID, error)

	// DestroyResourceBindings releases a binding set.
	DestroyResourceBindings(id ResourceBindingsID)

	// === Command Encoding ===

	// BeginComputeEncoding starts recording compute work.
	// The returned encoder must be submitted before the next one is begun.
	BeginComputeEncoding() (ComputeEncoder, error)
}

// ComputeEncoder records compute dispatches.
//
// Usage:
//
//	enc, _ := device.BeginComputeEncoding()
//	enc.BindPipeline(pipeline)
//	enc.BindResources(bindings)
//	enc.SetConstants(params)
//	enc.Dispatch(count)
//	err := enc.Submit()
type ComputeEncoder interface {
	// BindPipeline sets the active compute pipeline.
	BindPipeline(id ComputePipelineID)

	// BindResources sets the active binding set.
	BindResources(id ResourceBindingsID)

	// SetConstants sets the constants block for subsequent dispatches.
	SetConstants(data []byte)

	// Dispatch runs the bound kernel over count invocations.
	Dispatch(count uint32)

	// Submit sends recorded work to the device and completes the encoder.
	// Work submitted later observes the results of this submission.
	Submit() error
}
