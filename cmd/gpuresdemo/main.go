// Command gpuresdemo drives a registry through a few frames of a synthetic
// scene and prints what the aggregation did with it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"honnef.co/go/safeish"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/backend/native"
	"github.com/gogpu/gpures/backend/software"
	"github.com/gogpu/gpures/buffer"
	"github.com/gogpu/gpures/compute"
	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/registry"
	"github.com/gogpu/gpures/scene"
)

var float3 = buffer.Tuple(buffer.Float3, 1)

func main() {
	var (
		backendName = flag.String("backend", "", "device backend (native, software); empty picks the best available")
		prims       = flag.Int("prims", 64, "number of mesh prims")
		frames      = flag.Int("frames", 8, "number of frames to run")
		growth      = flag.Float64("growth", registry.DefaultConfig().GrowthFactor, "array growth factor")
		compact     = flag.Float64("compact", registry.DefaultConfig().CompactionThreshold, "occupancy below which GC compacts")
		metrics     = flag.String("metrics", "", "serve Prometheus metrics on this address")
		otlp        = flag.String("otlp", "", "export commit traces to this OTLP gRPC endpoint")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gpures.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*backendName, *prims, *frames, *growth, *compact, *metrics, *otlp); err != nil {
		log.Fatalf("gpuresdemo: %v", err)
	}
}

func run(backendName string, numPrims, frames int, growth, compact float64, metricsAddr, otlpEndpoint string) error {
	dev, name, err := openDevice(backendName)
	if err != nil {
		return err
	}
	defer backend.Close(dev)

	rec := &diag.Recorder{}
	cfg := registry.DefaultConfig()
	cfg.GrowthFactor = growth
	cfg.CompactionThreshold = compact
	cfg.Diagnostics = rec
	cfg.Label = "demo"
	if metricsAddr != "" {
		cfg.Registerer = prometheus.DefaultRegisterer
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				gpures.Logger().Warn("metrics server stopped", slog.String("err", err.Error()))
			}
		}()
	}
	if otlpEndpoint != "" {
		tp, err := tracerProvider(otlpEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		cfg.TracerProvider = tp
	}
	reg, err := registry.New(dev, cfg)
	if err != nil {
		return err
	}
	defer reg.Destroy()

	world := scene.NewMemory()
	kernel, err := skinKernel(dev)
	if err != nil {
		gpures.Logger().Warn("no skinning kernel, skipping GPU computations", slog.String("err", err.Error()))
	}
	if kernel != nil {
		world.SetExtComputation(&compute.ExtComputation{
			ID:           "/skin",
			Kernel:       kernel,
			ElementCount: gridSize * gridSize,
			SceneInputs:  []string{"restPoints"},
			Outputs:      buffer.Specs{{Name: "skinnedPoints", Tuple: float3}},
		})
		world.SetInput("/skin", "restPoints", grid(0))
	}

	ps := make([]*scene.Prim, 0, numPrims)
	for i := range numPrims {
		id := fmt.Sprintf("/world/mesh%03d", i)
		world.SetPrimvar(id, scene.PrimvarDesc{Name: scene.PointsName, Interpolation: scene.InterpolationVertex, Tuple: float3}, grid(float32(i)))
		world.SetPrimvar(id, scene.PrimvarDesc{Name: "displayColor", Interpolation: scene.InterpolationConstant, Tuple: float3},
			[3]float32{float32(i%3) / 2, float32(i%5) / 4, 1})
		world.SetTopology(id, gridTopology())
		if kernel != nil && i%4 == 0 {
			world.AddExtComputationPrimvar(id, scene.ExtComputationPrimvar{
				Interpolation: scene.InterpolationVertex, Computation: "/skin", Output: "skinnedPoints",
			})
		}
		p, err := scene.NewPrim(scene.KindMesh, id)
		if err != nil {
			return err
		}
		ps = append(ps, p)
	}

	ctx := context.Background()
	for frame := range frames {
		start := time.Now()
		// Animate every other prim; drop a quarter of them halfway through.
		for i := 0; i < len(ps); i += 2 {
			world.SetPrimvar(ps[i].ID(), scene.PrimvarDesc{Name: scene.PointsName, Interpolation: scene.InterpolationVertex, Tuple: float3},
				grid(float32(i)+float32(frame)*0.1))
		}
		if frame == frames/2 {
			keep := ps[:0]
			for i, p := range ps {
				if i%4 == 3 {
					p.Finalize()
					continue
				}
				keep = append(keep, p)
			}
			ps = keep
		}

		if err := scene.SyncAll(ctx, world, reg, ps, 0); err != nil {
			return err
		}
		world.ClearDirty()
		if err := reg.Commit(ctx); err != nil {
			return err
		}
		if err := reg.GarbageCollectIfNeeded(ctx); err != nil {
			return err
		}

		fmt.Printf("frame %d: %d prims, %s (%v)\n", frame, len(ps), reg.ResourceAllocation(), time.Since(start).Round(time.Microsecond))
	}

	snap := reg.Counters().Snapshot()
	fmt.Printf("backend %s: %s\n", name, snap)
	for _, d := range rec.Diagnostics() {
		fmt.Println(d)
	}
	for _, p := range ps {
		p.Finalize()
	}
	return reg.GarbageCollect(ctx)
}

func tracerProvider(endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(time.Second)),
	), nil
}

func openDevice(name string) (gpucore.Device, string, error) {
	if name == "" {
		return backend.OpenDefault()
	}
	dev, err := backend.Open(name)
	return dev, name, err
}

const gridSize = 8

// grid returns a gridSize x gridSize patch of points lifted by z.
func grid(z float32) [][3]float32 {
	pts := make([][3]float32, 0, gridSize*gridSize)
	for y := range gridSize {
		for x := range gridSize {
			pts = append(pts, [3]float32{float32(x), float32(y), z})
		}
	}
	return pts
}

func gridTopology() compute.Topology {
	var topo compute.Topology
	for y := range gridSize - 1 {
		for x := range gridSize - 1 {
			i := int32(y*gridSize + x)
			topo.FaceVertexCounts = append(topo.FaceVertexCounts, 4)
			topo.FaceVertexIndices = append(topo.FaceVertexIndices, i, i+1, i+gridSize+1, i+gridSize)
		}
	}
	return topo
}

const skinWGSL = `
@group(0) @binding(0) var<storage, read_write> dst: array<f32>;
@group(0) @binding(1) var<storage, read> src: array<f32>;
@group(0) @binding(15) var<storage, read> params: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    if (i >= params[0]) {
        return;
    }
    for (var c = 0u; c < params[3]; c = c + 1u) {
        dst[params[1] + i * params[2] + c] = 1.5 * src[params[4] + i * params[5] + c];
    }
}
`

var (
	skinInputs  = []gpucore.KernelBinding{{Name: "restPoints", Binding: 1, Type: gpucore.BindingTypeReadOnlyStorageBuffer}}
	skinOutputs = []gpucore.KernelBinding{{Name: "skinnedPoints", Binding: 0, Type: gpucore.BindingTypeStorageBuffer}}
)

// skinKernel builds the same scaling kernel for whichever backend is open.
func skinKernel(dev gpucore.Device) (*gpucore.Kernel, error) {
	switch d := dev.(type) {
	case *software.Device:
		return d.RegisterKernel("skin", skinInputs, skinOutputs, func(inv *software.Invocation) error {
			p := safeish.SliceCast[[]uint32](inv.Constants)
			dst := safeish.SliceCast[[]float32](inv.Buffer(0))
			src := safeish.SliceCast[[]float32](inv.Buffer(1))
			for i := range int(p[0]) {
				for c := range int(p[3]) {
					dst[int(p[1])+i*int(p[2])+c] = 1.5 * src[int(p[4])+i*int(p[5])+c]
				}
			}
			return nil
		}), nil
	case *native.Device:
		return d.CompileKernel("skin", skinWGSL, skinInputs, skinOutputs, 64)
	default:
		return nil, fmt.Errorf("unsupported device %T", dev)
	}
}
