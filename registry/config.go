package registry

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/gpures/aggregate"
	"github.com/gogpu/gpures/diag"
)

// NumQueues is the number of ordered computation queues. Queue 0 runs first
// and holds range migration copies.
const NumQueues = 4

// Config configures a Registry. Start from DefaultConfig; zero aggregate
// fields take their defaults, clamped to the device limits.
type Config struct {
	aggregate.Config

	// EnableSharedExtComputationData shares input ranges between
	// computations with identical resolved inputs.
	EnableSharedExtComputationData bool

	// ResolveWorkers is the number of goroutines resolving sources during
	// commit. Zero means GOMAXPROCS.
	ResolveWorkers int

	// Registerer receives the perf collectors. Nil keeps them unregistered.
	Registerer prometheus.Registerer

	// TracerProvider creates the commit and GC spans. Nil uses the global
	// provider.
	TracerProvider trace.TracerProvider

	// Diagnostics receives per-attribute diagnostics. Nil uses the default
	// sink.
	Diagnostics diag.Sink

	// Label names the registry in logs and metrics. Empty generates a
	// unique label.
	Label string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Config:                         aggregate.DefaultConfig(),
		EnableSharedExtComputationData: true,
	}
}

var registrySeq atomic.Uint64

func (c Config) withDefaults() Config {
	if c.ResolveWorkers <= 0 {
		c.ResolveWorkers = runtime.GOMAXPROCS(0)
	}
	if c.Label == "" {
		c.Label = fmt.Sprintf("registry-%d", registrySeq.Add(1))
	}
	return c
}
