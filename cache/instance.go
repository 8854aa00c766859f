// Package cache provides a sharded, keyed instance registry that guarantees
// each value is constructed at most once.
//
// The protocol is register, check, construct:
//
//	inst := reg.Register(key)
//	if inst.IsFirstInstance() {
//		v, err := build()
//		if err != nil {
//			inst.Fail(err)
//			return err
//		}
//		inst.SetValue(v)
//	}
//	v, err := inst.Value()
//
// Only the first registrant of a key sees IsFirstInstance true. Later
// registrants block in Value until the first one publishes a value or fails.
// A failed key is forgotten so the next registrant becomes first again.
//
// Features:
//   - 16 shards for reduced lock contention
//   - At-most-once construction per live key
//   - Garbage collection by predicate with an eviction callback
//   - Atomic statistics for monitoring
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Default configuration constants.
const (
	// DefaultShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	DefaultShardCount = 16

	// shardMask is used for fast shard selection (DefaultShardCount - 1).
	shardMask = DefaultShardCount - 1
)

// ErrAbandoned is returned by Value when the first registrant gave up without
// publishing a value.
var ErrAbandoned = errors.New("cache: instance abandoned before construction")

// Registry is a thread-safe instance registry keyed by a 64-bit hash.
type Registry[V any] struct {
	shards  [DefaultShardCount]*shard[V]
	onEvict func(key uint64, value V)

	// Statistics (atomic for zero-allocation reads)
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// shard is a single shard of the registry.
type shard[V any] struct {
	mu      sync.Mutex
	entries map[uint64]*entry[V]
}

// entry is one key's slot. ready is closed once value or err is published.
type entry[V any] struct {
	ready chan struct{}
	once  sync.Once
	value V
	err   error
}

func (e *entry[V]) publish(v V, err error) bool {
	published := false
	e.once.Do(func() {
		e.value = v
		e.err = err
		close(e.ready)
		published = true
	})
	return published
}

func (e *entry[V]) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// NewRegistry creates an empty registry. onEvict, if non-nil, is called for
// every constructed value removed by GarbageCollect or Clear, outside the
// shard lock.
func NewRegistry[V any](onEvict func(key uint64, value V)) *Registry[V] {
	r := &Registry[V]{onEvict: onEvict}
	for i := range r.shards {
		r.shards[i] = &shard[V]{entries: make(map[uint64]*entry[V])}
	}
	return r
}

func (r *Registry[V]) shard(key uint64) *shard[V] {
	return r.shards[key&shardMask]
}

// Register returns the instance slot for key. The returned instance is first
// if no live entry existed for key.
func (r *Registry[V]) Register(key uint64) *Instance[V] {
	s := r.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{ready: make(chan struct{})}
		s.entries[key] = e
	}
	s.mu.Unlock()

	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return &Instance[V]{reg: r, key: key, e: e, first: !ok}
}

// Lookup returns the constructed value for key without registering.
func (r *Registry[V]) Lookup(key uint64) (V, bool) {
	s := r.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok || !e.isReady() || e.err != nil {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GarbageCollect removes every constructed entry for which unused returns
// true and returns how many were removed. Entries still under construction
// are never collected.
func (r *Registry[V]) GarbageCollect(unused func(key uint64, value V) bool) int {
	type evicted struct {
		key   uint64
		value V
	}
	var out []evicted
	for _, s := range r.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !e.isReady() || e.err != nil {
				continue
			}
			if unused(k, e.value) {
				delete(s.entries, k)
				out = append(out, evicted{k, e.value})
			}
		}
		s.mu.Unlock()
	}
	r.evictions.Add(uint64(len(out)))
	if r.onEvict != nil {
		for _, ev := range out {
			r.onEvict(ev.key, ev.value)
		}
	}
	return len(out)
}

// Clear removes all constructed entries.
func (r *Registry[V]) Clear() int {
	return r.GarbageCollect(func(uint64, V) bool { return true })
}

// Len returns the number of entries, including those under construction.
func (r *Registry[V]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns registry statistics.
func (r *Registry[V]) Stats() Stats {
	return Stats{
		Len:       r.Len(),
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
	}
}

// forget removes key if it still maps to e.
func (r *Registry[V]) forget(key uint64, e *entry[V]) {
	s := r.shard(key)
	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Stats holds registry statistics.
type Stats struct {
	Len       int    // Current number of entries
	Hits      uint64 // Registrations that found an existing entry
	Misses    uint64 // Registrations that created an entry
	Evictions uint64 // Entries removed by garbage collection
}

// HitRate returns the hit rate as a fraction between 0 and 1.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Instances: %d, Hits: %d, Misses: %d, Evictions: %d, HitRate: %.1f%%",
		s.Len, s.Hits, s.Misses, s.Evictions, s.HitRate()*100)
}

// Instance is one registrant's handle on a keyed value.
type Instance[V any] struct {
	reg   *Registry[V]
	key   uint64
	e     *entry[V]
	first bool
}

// Key returns the instance key.
func (i *Instance[V]) Key() uint64 { return i.key }

// IsFirstInstance reports whether this registrant created the entry and is
// responsible for constructing the value.
func (i *Instance[V]) IsFirstInstance() bool { return i.first }

// SetValue publishes v. Only the first instance may set a value; calls on
// other instances and repeated calls are ignored.
func (i *Instance[V]) SetValue(v V) {
	if !i.first {
		return
	}
	i.e.publish(v, nil)
}

// Fail publishes err to waiting registrants and forgets the key so that a
// later Register constructs again. Ignored on non-first instances.
func (i *Instance[V]) Fail(err error) {
	if !i.first {
		return
	}
	if err == nil {
		err = ErrAbandoned
	}
	if i.e.publish(*new(V), err) {
		i.reg.forget(i.key, i.e)
	}
}

// Ready reports whether a value or error was published.
func (i *Instance[V]) Ready() bool { return i.e.isReady() }

// Value blocks until the first instance publishes and returns the value or
// the construction error.
func (i *Instance[V]) Value() (V, error) {
	<-i.e.ready
	return i.e.value, i.e.err
}
