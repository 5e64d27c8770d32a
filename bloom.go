// In-memory bloom filter for Extendible Hashing negative lookups.
//
// Search consults this first; a miss here means the key is guaranteed
// absent and the chain walk (disk reads) is skipped entirely. A hit means
// "maybe present" and falls through to the normal chain walk. Add does
// not consult it: Add always walks the chain, and only records the key
// here. The filter is never the source of truth, only a
// fast-path skip, so a stale filter (e.g. immediately after Rehash,
// before the sweep that rebuilds it completes) costs an extra disk round
// trip but never an incorrect answer. Sized for ~10k entries at 1% false
// positive rate; rebuilt from a full bucket sweep on Open and maintained
// incrementally by every successful Add.
package stratum

import (
	"hash/fnv"
)

// Bloom filter sizing constants.
const (
	bloomSize = 11982 // bytes, ~96k bits for 10k entries at 1% FP
	bloomK    = 7      // number of hash functions
)

type bloomFilter struct {
	bits []byte
}

// newBloomFilter returns a zeroed bloom filter.
func newBloomFilter() *bloomFilter {
	return &bloomFilter{bits: make([]byte, bloomSize)}
}

// Add inserts a key into the filter.
func (b *bloomFilter) Add(key string) {
	for _, pos := range bloomPositions(key) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MaybeContains returns false if key is definitely absent, true if it
// might be present.
func (b *bloomFilter) MaybeContains(key string) bool {
	for _, pos := range bloomPositions(key) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears all bits. Bit positions depend only on the key, not on
// the engine's hash algorithm, so Rehash builds a fresh filter rather
// than calling Reset.
func (b *bloomFilter) Reset() {
	clear(b.bits)
}

// bloomPositions returns bloomK bit positions using double hashing
// (FNV-64a + FNV-32a), avoiding bloomK independent hash computations.
func bloomPositions(key string) [bloomK]uint {
	h64 := fnv.New64a()
	h64.Write([]byte(key))
	a := h64.Sum64()

	h32 := fnv.New32a()
	h32.Write([]byte(key))
	b := uint(h32.Sum32())

	nbits := uint(bloomSize * 8)
	var pos [bloomK]uint
	for i := range bloomK {
		pos[i] = (uint(a) + uint(i)*b) % nbits
	}
	return pos
}
