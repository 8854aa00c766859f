// Package diag carries the structured diagnostics emitted while resolving,
// committing and dispatching buffer data.
//
// A diagnostic names the primitive and the attribute it concerns. Recoverable
// data failures (a source that cannot resolve, a type mismatch) are warnings;
// programming-contract violations (reading data before it resolved, an
// unsupported kernel binding) are errors. Diagnostics are always logged
// through [Logger] and are additionally forwarded to an optional [Sink].
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Severity classifies a diagnostic.
type Severity uint8

const (
	// SeverityWarning marks a recoverable per-attribute failure.
	SeverityWarning Severity = iota
	// SeverityError marks a programming-contract violation.
	SeverityError
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", uint8(s))
	}
}

func (s Severity) level() slog.Level {
	if s == SeverityError {
		return slog.LevelError
	}
	return slog.LevelWarn
}

// Diagnostic is one reported condition.
type Diagnostic struct {
	Severity  Severity
	Prim      string
	Attribute string
	Err       error
}

// String formats the diagnostic for humans.
func (d Diagnostic) String() string {
	prim := d.Prim
	if prim == "" {
		prim = "<unowned>"
	}
	return fmt.Sprintf("%s: %s.%s: %v", d.Severity, prim, d.Attribute, d.Err)
}

// Sink receives diagnostics. Implementations must be safe for concurrent use.
type Sink interface {
	Report(d Diagnostic)
}

// Emit logs d and forwards it to sink, or to the default sink when sink is
// nil.
func Emit(sink Sink, d Diagnostic) {
	Logger().Log(context.Background(), d.Severity.level(), "gpures: diagnostic",
		"prim", d.Prim, "attribute", d.Attribute, "err", d.Err)
	if sink == nil {
		sink = fallbackSink()
	}
	if sink != nil {
		sink.Report(d)
	}
}

// Warn emits a warning-severity diagnostic.
func Warn(sink Sink, prim, attribute string, err error) {
	Emit(sink, Diagnostic{Severity: SeverityWarning, Prim: prim, Attribute: attribute, Err: err})
}

// Error emits an error-severity diagnostic.
func Error(sink Sink, prim, attribute string, err error) {
	Emit(sink, Diagnostic{Severity: SeverityError, Prim: prim, Attribute: attribute, Err: err})
}

// Recorder is a Sink that keeps every diagnostic in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Diagnostic
}

// Report implements Sink.
func (r *Recorder) Report(d Diagnostic) {
	r.mu.Lock()
	r.items = append(r.items, d)
	r.mu.Unlock()
}

// Diagnostics returns a copy of the recorded diagnostics in report order.
func (r *Recorder) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.items))
	copy(out, r.items)
	return out
}

// Count returns how many diagnostics of the given severity were recorded.
func (r *Recorder) Count(s Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.items {
		if d.Severity == s {
			n++
		}
	}
	return n
}

// Reset discards all recorded diagnostics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}

// defaultSink receives diagnostics emitted without an explicit sink, such
// as contract violations raised by a source outside any registry.
var defaultSink struct {
	mu   sync.RWMutex
	sink Sink
}

// SetDefaultSink installs the sink used when Emit is called with a nil sink.
// Pass nil to remove it.
func SetDefaultSink(s Sink) {
	defaultSink.mu.Lock()
	defaultSink.sink = s
	defaultSink.mu.Unlock()
}

func fallbackSink() Sink {
	defaultSink.mu.RLock()
	defer defaultSink.mu.RUnlock()
	return defaultSink.sink
}
