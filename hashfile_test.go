// Extendible Hashing engine tests: directory consistency, depth
// invariants, forced directory doubling, and the update/remove
// contract.
package stratum

import "testing"

func openTestHash(t *testing.T) *ExtendibleHash[testRecord] {
	t.Helper()
	dir := t.TempDir()
	h, err := NewExtendibleHash[testRecord](dir, "dir.dat", "buckets.dat", HashConfig{})
	if err != nil {
		t.Fatalf("NewExtendibleHash: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// checkDirectoryConsistency verifies property 10: len(pointers) ==
// 2^global_depth.
func checkDirectoryConsistency(t *testing.T, h *ExtendibleHash[testRecord]) *hashDirectory {
	t.Helper()
	dir, err := h.readDirectory()
	if err != nil {
		t.Fatalf("readDirectory: %v", err)
	}
	want := 1 << uint(dir.depth)
	if len(dir.pointers) != want {
		t.Fatalf("len(pointers) = %d, want 2^%d = %d", len(dir.pointers), dir.depth, want)
	}
	return dir
}

// checkDepthInvariant verifies property 11: every bucket reachable
// through pointers[i] has local_depth <= global_depth, and every
// directory slot pointing at the same primary bucket agrees on the low
// local_depth bits of its index.
func checkDepthInvariant(t *testing.T, h *ExtendibleHash[testRecord], dir *hashDirectory) {
	t.Helper()
	seen := make(map[int64]int) // bucket slot -> local depth, from first sighting
	for i, slot := range dir.pointers {
		b, err := h.readBucket(slot)
		if err != nil {
			t.Fatalf("readBucket(%d): %v", slot, err)
		}
		if b.localDepth > dir.depth {
			t.Fatalf("bucket %d has local_depth %d > global_depth %d", slot, b.localDepth, dir.depth)
		}
		mask := (1 << uint(b.localDepth)) - 1
		if ld, ok := seen[slot]; ok {
			if ld != b.localDepth {
				t.Fatalf("bucket %d has inconsistent local_depth readings", slot)
			}
		}
		seen[slot] = b.localDepth
		for j, other := range dir.pointers {
			if other == slot && (j&mask) != (i&mask) {
				t.Fatalf("directory slots %d and %d share bucket %d but disagree on low %d bits", i, j, slot, b.localDepth)
			}
		}
	}
}

// TestHashDoubling is seed scenario S3: with a small bucket capacity,
// force the tail bucket to reach local_depth == global_depth and
// observe exactly one directory doubling, with the triggering record
// still retrievable afterward.
func TestHashDoubling(t *testing.T) {
	dir := t.TempDir()
	h, err := NewExtendibleHash[testRecord](dir, "dir.dat", "buckets.dat", HashConfig{M: 2})
	if err != nil {
		t.Fatalf("NewExtendibleHash: %v", err)
	}
	defer h.Close()

	before := checkDirectoryConsistency(t, h)
	startDepth := before.depth

	var inserted []string
	for i := 0; i < 64; i++ {
		key := keyPad(i, 4)
		if err := h.Add(rec(key, int32(i))); err != nil {
			t.Fatalf("Add(%s): %v", key, err)
		}
		inserted = append(inserted, key)

		cur := checkDirectoryConsistency(t, h)
		checkDepthInvariant(t, h, cur)
		if cur.depth > startDepth {
			break
		}
	}

	after := checkDirectoryConsistency(t, h)
	if after.depth <= startDepth {
		t.Fatalf("directory never grew past initial depth %d after 64 inserts", startDepth)
	}

	for _, key := range inserted {
		_, found, err := h.Search(key)
		if err != nil {
			t.Fatalf("Search(%s): %v", key, err)
		}
		if !found {
			t.Fatalf("Search(%s) not found after directory growth", key)
		}
	}
}

// TestHashNoSpuriousDoubling verifies property 12: after a doubling, a
// retry of the triggering insert succeeds without a second doubling in
// the same call.
func TestHashNoSpuriousDoubling(t *testing.T) {
	h := openTestHash(t)
	for i := 0; i < 200; i++ {
		before := checkDirectoryConsistency(t, h).depth
		if err := h.Add(rec(keyPad(i, 4), int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if after := checkDirectoryConsistency(t, h).depth; after > before+1 {
			t.Fatalf("Add(%s) grew global_depth from %d to %d, want at most one doubling", keyPad(i, 4), before, after)
		}
	}
	dir := checkDirectoryConsistency(t, h)
	checkDepthInvariant(t, h, dir)
}

// TestHashUpdate verifies idempotent insert-or-update (property 2):
// adding the same key twice updates in place.
func TestHashUpdate(t *testing.T) {
	h := openTestHash(t)
	if err := h.Add(rec("dup", 1)); err != nil {
		t.Fatalf("Add #1: %v", err)
	}
	if err := h.Add(rec("dup", 2)); err != nil {
		t.Fatalf("Add #2: %v", err)
	}
	got, found, err := h.Search("dup")
	if err != nil || !found {
		t.Fatalf("Search: found=%v err=%v", found, err)
	}
	if got.Payload != 2 {
		t.Fatalf("Payload = %d, want 2", got.Payload)
	}

	all, err := h.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	count := 0
	for _, r := range all {
		if h.codec.Key(r) == "dup" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d records for key 'dup', want 1", count)
	}
}

// TestHashRemove verifies property 5 and property 4 post-removal.
func TestHashRemove(t *testing.T) {
	h := openTestHash(t)
	for i := 0; i < 20; i++ {
		if err := h.Add(rec(keyPad(i, 3), int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ok, err := h.Remove(keyPad(5, 3))
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	ok, err = h.Remove(keyPad(5, 3))
	if err != nil {
		t.Fatalf("Remove (second time): %v", err)
	}
	if ok {
		t.Fatalf("Remove a second time returned true, want false")
	}
	_, found, err := h.Search(keyPad(5, 3))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("Search after Remove still finds the key")
	}
}

// TestHashEmptyKeyIsNoOp mirrors the B+Tree's InvalidInput policy.
func TestHashEmptyKeyIsNoOp(t *testing.T) {
	h := openTestHash(t)
	if err := h.Add(rec("", 1)); err != nil {
		t.Fatalf("Add(empty key): %v", err)
	}
	_, found, err := h.Search("")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found {
		t.Fatalf("empty key should never be indexable via Add")
	}
}

// TestHashRehash verifies Rehash preserves every record under a
// different hash algorithm, exercising the multi-algorithm hash.go
// surface beyond the default.
func TestHashRehash(t *testing.T) {
	h := openTestHash(t)
	var keys []string
	for i := 0; i < 100; i++ {
		key := keyPad(i, 3)
		if err := h.Add(rec(key, int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
		keys = append(keys, key)
	}

	if err := h.Rehash(AlgFNV1a); err != nil {
		t.Fatalf("Rehash: %v", err)
	}

	for _, key := range keys {
		_, found, err := h.Search(key)
		if err != nil {
			t.Fatalf("Search(%s) after Rehash: %v", key, err)
		}
		if !found {
			t.Fatalf("Search(%s) after Rehash not found", key)
		}
	}

	dir := checkDirectoryConsistency(t, h)
	checkDepthInvariant(t, h, dir)
}

// TestHashAllIterator verifies All() yields the same count as Keys().
func TestHashAllIterator(t *testing.T) {
	h := openTestHash(t)
	for i := 0; i < 25; i++ {
		if err := h.Add(rec(keyPad(i, 3), int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	count := 0
	for _, err := range h.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		count++
	}
	if count != 25 {
		t.Fatalf("All() yielded %d records, want 25", count)
	}
}

// TestHashBulkLoad verifies BulkLoad round-trips the same set as
// repeated Add calls.
func TestHashBulkLoad(t *testing.T) {
	h := openTestHash(t)
	var batch []testRecord
	for i := 0; i < 80; i++ {
		batch = append(batch, rec(keyPad(i, 3), int32(i)))
	}
	if err := h.BulkLoad(batch); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	for i := 0; i < 80; i++ {
		_, found, err := h.Search(keyPad(i, 3))
		if err != nil || !found {
			t.Fatalf("Search(%d): found=%v err=%v", i, found, err)
		}
	}
}
