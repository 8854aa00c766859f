// Package hashing provides the FNV-1a hashes and the order-dependent combine
// used to key aggregates, instance caches and shared input ranges.
package hashing

import (
	"encoding/binary"
	"hash/fnv"
	"math/bits"
)

// golden is the 64-bit golden-ratio constant used by Combine.
const golden = 0x9e3779b97f4a7c15

// String computes the FNV-1a hash of s.
func String(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Bytes computes the FNV-1a hash of b.
func Bytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Uint64 hashes a single integer with FNV-1a over its little-endian bytes.
func Uint64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Bytes(buf[:])
}

// Combine mixes v into seed. The result depends on the order of calls:
// Combine(Combine(s, a), b) != Combine(Combine(s, b), a) in general.
func Combine(seed, v uint64) uint64 {
	return seed ^ (v + golden + bits.RotateLeft64(seed, 6) + (seed >> 2))
}

// CombineAll folds values into seed in slice order.
func CombineAll(seed uint64, values ...uint64) uint64 {
	for _, v := range values {
		seed = Combine(seed, v)
	}
	return seed
}
