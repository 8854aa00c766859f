package backend

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/gpures/diag"
	"github.com/gogpu/gpures/gpucore"
)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first that opens wins).
	backendPriority = []string{Native, Software}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names, prioritized ones first
// and the rest sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return availableLocked()
}

func availableLocked() []string {
	names := make([]string, 0, len(backends))
	for _, name := range backendPriority {
		if _, ok := backends[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range backends {
		if !slices.Contains(backendPriority, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens a device from the named backend.
func Open(name string) (gpucore.Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendNotAvailable, name, err)
	}
	return dev, nil
}

// OpenDefault opens the best available backend and returns its name.
// Priority order: native > software > others by name. Backends that fail
// to open are logged and skipped.
func OpenDefault() (gpucore.Device, string, error) {
	registryMu.RLock()
	names := availableLocked()
	registryMu.RUnlock()

	for _, name := range names {
		dev, err := Open(name)
		if err == nil {
			diag.Logger().Info("backend: opened", slog.String("backend", name))
			return dev, name, nil
		}
		diag.Logger().Warn("backend: open failed, trying next",
			slog.String("backend", name),
			slog.String("err", err.Error()),
		)
	}
	return nil, "", ErrNoBackends
}
