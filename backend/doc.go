// Package backend selects the gpucore.Device a registry runs on.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime.
// The software backend is registered on import of this package; the native
// backend registers itself when its package is imported:
//
//	import _ "github.com/gogpu/gpures/backend/native"
//
// # Backend Selection
//
// Use OpenDefault to open the best backend that works on this machine, or
// Open to request one by name:
//
//	dev, name, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close(dev)
//
//	// Or request a specific backend
//	dev, err := backend.Open(backend.Software)
//
// # Available Backends
//
//   - "native": Vulkan through gogpu/wgpu hal, kernels written in WGSL
//   - "software": in-memory buffers and Go kernel functions (always available)
package backend
