// Package perf keeps the registry's performance counters.
//
// Every counter is mirrored in two places: an atomic value that callers can
// snapshot and reset per frame, and a prometheus collector that only ever
// grows. The prometheus side is registered with the Registerer given to
// [New]; with a nil Registerer the collectors exist but are not exported.
package perf

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter identifies one performance counter.
type Counter uint8

// Counters.
const (
	// BufferRelocated counts aggregate storage (re)allocations.
	BufferRelocated Counter = iota
	// CopyCPUToGPU counts source uploads.
	CopyCPUToGPU
	// CopyGPUToGPU counts device-side range copies.
	CopyGPUToGPU
	// Dispatches counts GPU computation dispatches.
	Dispatches
	// ResolveErrors counts sources that failed to resolve.
	ResolveErrors
	// GarbageCollected counts ranges reclaimed by garbage collection.
	GarbageCollected
	// Compactions counts arrays compacted by garbage collection.
	Compactions
	// Commits counts commit passes.
	Commits
	// InstanceHits counts instance cache hits.
	InstanceHits
	// InstanceMisses counts instance cache misses.
	InstanceMisses

	numCounters
)

var counterNames = [numCounters]string{
	BufferRelocated:  "buffer_relocated",
	CopyCPUToGPU:     "copy_buffer_cpu_to_gpu",
	CopyGPUToGPU:     "copy_buffer_gpu_to_gpu",
	Dispatches:       "dispatches",
	ResolveErrors:    "resolve_errors",
	GarbageCollected: "garbage_collected",
	Compactions:      "compactions",
	Commits:          "commits",
	InstanceHits:     "instance_hits",
	InstanceMisses:   "instance_misses",
}

// String returns the counter name used as the prometheus label value.
func (c Counter) String() string {
	if c < numCounters {
		return counterNames[c]
	}
	return fmt.Sprintf("Counter(%d)", uint8(c))
}

// Counters holds one registry's counters.
type Counters struct {
	values [numCounters]atomic.Uint64

	events  *prometheus.CounterVec
	memory  *prometheus.GaugeVec
	commits *prometheus.HistogramVec
}

// New creates counters labeled with registry and registers the prometheus
// collectors with reg when reg is non-nil.
func New(reg prometheus.Registerer, registry string) *Counters {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"registry": registry}
	return &Counters{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "gpures_events_total",
				Help:        "Buffer aggregation and scheduling events by counter",
				ConstLabels: labels,
			},
			[]string{"counter"},
		),
		memory: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "gpures_gpu_memory_bytes",
				Help:        "GPU memory held by aggregated buffers by role",
				ConstLabels: labels,
			},
			[]string{"role"},
		),
		commits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "gpures_commit_phase_seconds",
				Help:        "Commit phase duration in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"phase"},
		),
	}
}

// Add adds n to counter c.
func (c *Counters) Add(counter Counter, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.values[counter].Add(n)
	c.events.WithLabelValues(counter.String()).Add(float64(n))
}

// Inc adds one to counter c.
func (c *Counters) Inc(counter Counter) { c.Add(counter, 1) }

// Get returns the current value of counter c since the last Reset.
func (c *Counters) Get(counter Counter) uint64 {
	if c == nil {
		return 0
	}
	return c.values[counter].Load()
}

// Reset zeroes the snapshot values. Prometheus counters keep growing.
func (c *Counters) Reset() {
	for i := range c.values {
		c.values[i].Store(0)
	}
}

// SetMemory records the bytes held for role.
func (c *Counters) SetMemory(role string, bytes uint64) {
	if c == nil {
		return
	}
	c.memory.WithLabelValues(role).Set(float64(bytes))
}

// ObservePhase records the duration of a commit phase started at start.
func (c *Counters) ObservePhase(phase string, start time.Time) {
	if c == nil {
		return
	}
	c.commits.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// EventCollector returns the prometheus collector for counter c.
func (c *Counters) EventCollector(counter Counter) prometheus.Counter {
	return c.events.WithLabelValues(counter.String())
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot map[Counter]uint64

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	s := make(Snapshot, numCounters)
	for i := range c.values {
		s[Counter(i)] = c.values[i].Load()
	}
	return s
}

// String returns a human-readable summary in counter order.
func (s Snapshot) String() string {
	out := ""
	for i := Counter(0); i < numCounters; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", i, s[i])
	}
	return out
}
