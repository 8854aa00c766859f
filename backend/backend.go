package backend

import (
	"errors"

	"github.com/gogpu/gpures/backend/software"
	"github.com/gogpu/gpures/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or failed to open.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoBackends is returned by OpenDefault when nothing could be opened.
	ErrNoBackends = errors.New("backend: no backend could be opened")
)

// Backend name constants.
const (
	// Software is the name of the in-memory backend.
	Software = "software"

	// Native is the name of the wgpu hal backend.
	Native = "native"
)

// Factory opens a device. A factory may fail, for example when no adapter
// is present; OpenDefault then moves on to the next backend.
type Factory func() (gpucore.Device, error)

// init registers the software backend on package import.
func init() {
	Register(Software, func() (gpucore.Device, error) {
		return software.New(), nil
	})
}

// Close releases dev if its backend holds resources beyond the device
// handles.
func Close(dev gpucore.Device) {
	if c, ok := dev.(interface{ Close() }); ok {
		c.Close()
	}
}
