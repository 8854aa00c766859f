package software

import (
	"fmt"

	"github.com/gogpu/gpures/gpucore"
)

// Op identifies a recorded command.
type Op uint8

// Recorded operations.
const (
	OpCreateBuffer Op = iota + 1
	OpDestroyBuffer
	OpWrite
	OpCopy
	OpCreatePipeline
	OpDispatch
	OpSubmit
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpCreateBuffer:
		return "create-buffer"
	case OpDestroyBuffer:
		return "destroy-buffer"
	case OpWrite:
		return "write"
	case OpCopy:
		return "copy"
	case OpCreatePipeline:
		return "create-pipeline"
	case OpDispatch:
		return "dispatch"
	case OpSubmit:
		return "submit"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Command is one recorded device operation.
type Command struct {
	Op    Op
	Label string

	// Buffer is the created, destroyed, written or copy destination buffer.
	Buffer gpucore.BufferID

	// Source is the copy source buffer.
	Source gpucore.BufferID

	Offset uint64
	Size   uint64

	// Kernel, Count and Bindings describe a dispatch.
	Kernel   gpucore.KernelID
	Count    uint32
	Bindings []gpucore.BindingEntry
}

// String returns a one-line description.
func (c Command) String() string {
	switch c.Op {
	case OpDispatch:
		return fmt.Sprintf("dispatch %s x%d", c.Label, c.Count)
	case OpCopy:
		return fmt.Sprintf("copy %d -> %d @%d (%d bytes)", c.Source, c.Buffer, c.Offset, c.Size)
	case OpWrite:
		return fmt.Sprintf("write %d @%d (%d bytes)", c.Buffer, c.Offset, c.Size)
	default:
		return fmt.Sprintf("%s %s %d (%d bytes)", c.Op, c.Label, c.Buffer, c.Size)
	}
}

// record appends a command. Called with d.mu held.
func (d *Device) record(c Command) {
	d.log = append(d.log, c)
}

// Commands returns a copy of the command log.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.log))
	copy(out, d.log)
	return out
}

// Dispatches returns the recorded dispatch commands in execution order.
func (d *Device) Dispatches() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, c := range d.log {
		if c.Op == OpDispatch {
			out = append(out, c)
		}
	}
	return out
}

// ResetLog clears the command log. Stats are kept.
func (d *Device) ResetLog() {
	d.mu.Lock()
	d.log = nil
	d.mu.Unlock()
}
