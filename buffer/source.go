// Package buffer defines the CPU-side data that feeds aggregated GPU
// buffers: element and tuple types, attribute specs, and sources.
//
// A [Source] is a named, typed chunk of attribute data that may resolve
// lazily. Resolution is a cooperative poll: [Source.Resolve] returns false
// while inputs are not ready and true once the source reached a terminal
// state. Concurrent resolvers are serialized by a compare-and-set try-lock
// ([Resolution]) so the underlying value is computed exactly once.
package buffer

import (
	"errors"
	"sync/atomic"

	"github.com/gogpu/gpures/internal/hashing"
)

// Source errors.
var (
	// ErrTypeMismatch is recorded when supplied data does not match the
	// declared tuple type.
	ErrTypeMismatch = errors.New("buffer: data type does not match declared type")

	// ErrUnsupportedValue is recorded when a scene value has no buffer
	// representation.
	ErrUnsupportedValue = errors.New("buffer: unsupported value type")

	// ErrUpstreamFailed is recorded when a dependency resolved to an error.
	ErrUpstreamFailed = errors.New("buffer: dependency failed to resolve")

	// ErrNotResolved is reported when data is read before a successful
	// resolve.
	ErrNotResolved = errors.New("buffer: data accessed before resolve")

	// ErrElementCount is recorded when data length is not a whole number of
	// tuples.
	ErrElementCount = errors.New("buffer: data is not a whole number of tuples")
)

// State is the resolution state of a source.
type State uint32

// Resolution states. Resolved and Error are terminal.
const (
	StateUnresolved State = iota
	StateResolving
	StateResolved
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Resolved or Error.
func (s State) Terminal() bool { return s == StateResolved || s == StateError }

// Source is a named, typed chunk of attribute data.
//
// Data, Tuple and NumElements are meaningful only after Resolve returned
// true and State is StateResolved. AppendSpecs must work before resolution.
type Source interface {
	// Name returns the attribute name.
	Name() string

	// Resolve attempts to compute the final data without blocking. It
	// returns true once the source is in a terminal state and false when
	// inputs are not ready yet or another goroutine is resolving it.
	Resolve() bool

	// State returns the current resolution state.
	State() State

	// Err returns the resolve error, if any.
	Err() error

	// Data returns the resolved bytes.
	Data() []byte

	// Tuple returns the resolved tuple type.
	Tuple() TupleType

	// NumElements returns the number of tuples in Data.
	NumElements() int

	// AppendSpecs appends the specs this source will fill, derived from
	// declared metadata only.
	AppendSpecs(specs Specs) Specs

	// Hash returns a content hash. Valid after a successful resolve.
	Hash() uint64

	// IsValid reports whether the source can be committed at all.
	IsValid() bool
}

// Dependent is implemented by sources that must not resolve before other
// sources reached a terminal state.
type Dependent interface {
	Dependencies() []Source
}

// Chained is implemented by sources that carry supplemental sources to be
// committed into the same range after them.
type Chained interface {
	Chained() []Source
}

// Resolution is the embeddable try-lock state machine shared by sources and
// computations. The zero value is unresolved.
type Resolution struct {
	state atomic.Uint32
	err   error
}

// TryLock moves Unresolved to Resolving. Exactly one caller wins.
func (r *Resolution) TryLock() bool {
	return r.state.CompareAndSwap(uint32(StateUnresolved), uint32(StateResolving))
}

// SetResolved publishes a successful resolution. Data written before the call
// is visible to any goroutine that observes StateResolved.
func (r *Resolution) SetResolved() {
	r.state.Store(uint32(StateResolved))
}

// SetError publishes a failed resolution.
func (r *Resolution) SetError(err error) {
	r.err = err
	r.state.Store(uint32(StateError))
}

// State returns the current state.
func (r *Resolution) State() State { return State(r.state.Load()) }

// IsResolved reports whether a terminal state was reached.
func (r *Resolution) IsResolved() bool { return r.State().Terminal() }

// Err returns the resolve error once the state is StateError.
func (r *Resolution) Err() error {
	if r.State() != StateError {
		return nil
	}
	return r.err
}

// DependenciesResolved reports whether every dependency reached a terminal
// state, and whether any of them failed.
func DependenciesResolved(deps []Source) (ready, failed bool) {
	for _, d := range deps {
		switch d.State() {
		case StateResolved:
		case StateError:
			failed = true
		default:
			return false, failed
		}
	}
	return true, failed
}

// chainedSource decorates a source with supplemental sources.
type chainedSource struct {
	Source
	chained []Source
}

// Chain returns src carrying chained as supplemental sources. The registry
// commits the chained sources into the same range after src.
func Chain(src Source, chained ...Source) Source {
	return &chainedSource{Source: src, chained: chained}
}

func (c *chainedSource) Chained() []Source { return c.chained }

// renamedSource exposes a source under another name.
type renamedSource struct {
	Source
	name string
}

// Rename returns src seen under name. The data, state and dependencies are
// those of src.
func Rename(src Source, name string) Source {
	if src.Name() == name {
		return src
	}
	return &renamedSource{Source: src, name: name}
}

func (r *renamedSource) Name() string { return r.name }

func (r *renamedSource) AppendSpecs(specs Specs) Specs {
	return append(specs, Spec{Name: r.name, Tuple: r.Source.Tuple()})
}

func (r *renamedSource) Hash() uint64 {
	return hashing.Combine(hashing.String(r.name), r.Source.Hash())
}

func (r *renamedSource) Dependencies() []Source {
	if d, ok := r.Source.(Dependent); ok {
		return d.Dependencies()
	}
	return nil
}
