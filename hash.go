// Stable hash functions for Extendible Hashing directory placement.
//
// The directory index for a key is derived by masking the low bits of a
// 64-bit hash. Three algorithms are supported, selectable via
// Config.HashAlgorithm; all three are deterministic across process
// lifetimes (unlike Go's or Python's built-in string hash, which is
// randomly seeded per process and would silently corrupt bucket
// placement across restarts).
package stratum

import (
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants, shared by the Extendible Hashing engine's
// Config.HashAlgorithm and by Rehash.
const (
	AlgXXHash3 = 1 // default, fastest
	AlgFNV1a   = 2 // no external dependencies
	AlgBlake2b = 3 // best bit distribution
)

// stableHash reduces a key to a 64-bit value using the selected
// algorithm. An unrecognised algorithm falls back to AlgXXHash3 so a
// misconfigured engine degrades rather than silently hashing everything
// to zero.
func stableHash(key string, alg int) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write([]byte(key))
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write([]byte(key))
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum {
			v = v<<8 | uint64(b)
		}
		return v
	default:
		return xxh3.HashString(key)
	}
}

// dirIndex reduces a hash to a directory slot for the given global depth:
// the low `depth` bits of h.
func dirIndex(h uint64, depth int) uint64 {
	return h & ((uint64(1) << uint(depth)) - 1)
}
