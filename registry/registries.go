package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpures/gpucore"
)

// ErrNotAcquired is returned when releasing a registry that is not held.
var ErrNotAcquired = errors.New("registry: registry was not acquired")

// Registries hands out one shared Registry per device. Every Acquire must
// be paired with a Release; the registry is destroyed when the last holder
// releases it.
type Registries struct {
	cfg Config

	mu      sync.Mutex
	entries map[gpucore.Device]*heldRegistry
	seq     int
}

type heldRegistry struct {
	reg  *Registry
	refs int
}

// NewRegistries creates an empty registry-of-registries. Registries it
// creates use cfg with a per-device label.
func NewRegistries(cfg Config) *Registries {
	return &Registries{cfg: cfg, entries: make(map[gpucore.Device]*heldRegistry)}
}

// Acquire returns the registry of dev, creating it on first use.
func (rs *Registries) Acquire(dev gpucore.Device) (*Registry, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if e, ok := rs.entries[dev]; ok {
		e.refs++
		return e.reg, nil
	}
	cfg := rs.cfg
	if cfg.Label != "" {
		cfg.Label = fmt.Sprintf("%s-%d", cfg.Label, rs.seq)
	}
	rs.seq++
	reg, err := New(dev, cfg)
	if err != nil {
		return nil, err
	}
	rs.entries[dev] = &heldRegistry{reg: reg, refs: 1}
	return reg, nil
}

// Release drops one hold on reg and destroys it when none remain.
func (rs *Registries) Release(reg *Registry) error {
	rs.mu.Lock()
	e, ok := rs.entries[reg.Device()]
	if !ok || e.reg != reg {
		rs.mu.Unlock()
		return ErrNotAcquired
	}
	e.refs--
	last := e.refs == 0
	if last {
		delete(rs.entries, reg.Device())
	}
	rs.mu.Unlock()

	if last {
		reg.Destroy()
	}
	return nil
}

// Len returns the number of live registries.
func (rs *Registries) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.entries)
}

// RefCount returns the number of holders of the registry of dev.
func (rs *Registries) RefCount(dev gpucore.Device) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if e, ok := rs.entries[dev]; ok {
		return e.refs
	}
	return 0
}
