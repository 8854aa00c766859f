// Package gpucore defines the opaque device boundary the aggregation and
// scheduling layers talk to.
//
// Everything a backend owns is referred to by an opaque uint64 handle
// ([BufferID], [KernelID], [ComputePipelineID], [ResourceBindingsID]). The
// [Device] interface creates and destroys those resources, moves bytes in and
// out of buffers and hands out a [ComputeEncoder] for dispatching kernels.
//
//	               +--------------------+
//	               |  registry/compute  |
//	               +---------+----------+
//	                         |
//	                  gpucore.Device
//	                         |
//	         +---------------+---------------+
//	         |                               |
//	+--------v---------+            +--------v---------+
//	| backend/software |            |  backend/native  |
//	|  (byte slices)   |            |   (wgpu hal)     |
//	+------------------+            +------------------+
//
// # Kernels
//
// A [Kernel] is the compiled-program handle produced by the shading layer
// together with its metadata: the ordered list of declared inputs and outputs
// and the binding slot of each. The scheduler treats the program itself as a
// black box and keys pipelines on the kernel id.
//
// # Threading
//
// All Device and ComputeEncoder methods are synchronous and expect a single
// calling goroutine at a time. The registry confines them to its commit and
// garbage collection phases.
package gpucore
