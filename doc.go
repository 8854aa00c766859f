// Package gpures packs per-primitive attribute data into shared GPU buffers
// and schedules the CPU and GPU computations that produce it.
//
// # Overview
//
// A renderer holds many small primitives, each with a handful of
// attributes (points, normals, colors, indices). Giving each its own GPU
// buffer wastes memory and binding changes, so gpures aggregates them: a
// primitive owns a range of rows in a buffer shared with every primitive of
// the same attribute signature, and the registry moves ranges between
// buffers as they grow, shrink and die.
//
// # Quick Start
//
//	dev, _, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	reg, err := registry.New(dev, registry.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Destroy()
//
//	specs := buffer.Specs{{Name: "points", Tuple: buffer.Tuple(buffer.Float3, 1)}}
//	rng := reg.AllocateRange(specs, aggregate.HintVertex, len(points))
//	_ = reg.AddSources(rng, buffer.NewArraySource("points", points, 1))
//	if err := reg.Commit(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Architecture
//
// The library is organized into:
//   - buffer: element types, attribute specs and lazily resolved sources
//   - aggregate: layouts, arrays, ranges and the aggregation strategies
//   - compute: CPU and GPU computations and their state machine
//   - registry: allocation, the commit pipeline and garbage collection
//   - scene: prim sync from a pull-based scene delegate
//   - gpucore and backend: the opaque device boundary and its backends
//   - diag: per-attribute diagnostics and the shared logger
//
// # Frame Lifecycle
//
// A frame is scene sync, then Registry.Commit: sources resolve in
// dependency order, ranges are sized and uploaded through staging, and
// computations execute queue by queue. Registry.GarbageCollect compacts
// sparse buffers and drops released ranges between frames.
//
// # Logging
//
// Nothing is logged by default. See [SetLogger].
package gpures
