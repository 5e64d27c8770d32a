// Sequential File engine tests: bulk load, auxiliary-overflow
// reconstruction, tombstone semantics, and range scans across the
// main/aux merge.
package stratum

import "testing"

func openTestSeqFile(t *testing.T, cfg SeqConfig) *SequentialFile[testRecord] {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSequentialFile[testRecord](dir, "main.dat", "aux.dat", cfg)
	if err != nil {
		t.Fatalf("NewSequentialFile: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// checkMainSorted verifies property 13: main file keys are strictly
// increasing, including tombstoned positions.
func checkMainSorted(t *testing.T, s *SequentialFile[testRecord]) {
	t.Helper()
	n, err := s.mainCount()
	if err != nil {
		t.Fatalf("mainCount: %v", err)
	}
	var prev string
	for i := int64(0); i < n; i++ {
		key, err := s.mainKeyAt(i)
		if err != nil {
			t.Fatalf("mainKeyAt(%d): %v", i, err)
		}
		if i > 0 && prev >= key {
			t.Fatalf("main file not strictly increasing at %d: %q >= %q", i, prev, key)
		}
		prev = key
	}
}

// TestSeqFileReconstruction is seed scenario S4: bulk-load 1024 records
// (k = 10), insert 11 new ascending keys, and verify aux empties, main
// holds 1035 sorted records, and all are searchable.
func TestSeqFileReconstruction(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})

	var batch []testRecord
	for i := 0; i < 1024; i++ {
		batch = append(batch, rec(keyPad(i, 5), int32(i)))
	}
	if err := s.BulkLoad(batch); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	for i := 0; i < 11; i++ {
		key := keyPad(1024+i, 5)
		if err := s.Add(rec(key, int32(1024+i))); err != nil {
			t.Fatalf("Add(%s): %v", key, err)
		}
	}

	n, err := s.auxCount()
	if err != nil {
		t.Fatalf("auxCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("aux count after reconstruction = %d, want 0", n)
	}

	m, err := s.mainCount()
	if err != nil {
		t.Fatalf("mainCount: %v", err)
	}
	if m != 1035 {
		t.Fatalf("main count = %d, want 1035", m)
	}
	checkMainSorted(t, s)

	for i := 0; i < 1035; i++ {
		key := keyPad(i, 5)
		_, found, err := s.Search(key)
		if err != nil {
			t.Fatalf("Search(%s): %v", key, err)
		}
		if !found {
			t.Fatalf("Search(%s) not found after reconstruction", key)
		}
	}
}

// TestSeqFileTombstone is seed scenario S5: bulk-load ["a","b","c"],
// remove "b", and verify search/range/tombstone semantics.
func TestSeqFileTombstone(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})
	if err := s.BulkLoad([]testRecord{rec("a", 1), rec("b", 2), rec("c", 3)}); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	ok, err := s.Remove("b")
	if err != nil || !ok {
		t.Fatalf("Remove(b): ok=%v err=%v", ok, err)
	}

	_, found, err := s.Search("b")
	if err != nil {
		t.Fatalf("Search(b): %v", err)
	}
	if found {
		t.Fatalf("Search(b) after Remove found a result")
	}

	got, err := s.RangeSearch("a", "c")
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RangeSearch(a,c) returned %d records, want 2", len(got))
	}
	if s.codec.Key(got[0]) != "a" || s.codec.Key(got[1]) != "c" {
		t.Fatalf("RangeSearch(a,c) = %q, %q; want a, c", s.codec.Key(got[0]), s.codec.Key(got[1]))
	}

	n, err := s.mainCount()
	if err != nil {
		t.Fatalf("mainCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("main file has %d slots after tombstone, want 3 (no physical compaction yet)", n)
	}
}

// TestSeqFileRemoveArchivesOnReconstruct verifies the supplemented
// tombstone-archive feature: a physically-dropped record from
// reconstruction is recoverable via Archived.
func TestSeqFileRemoveArchivesOnReconstruct(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{KFloor: 2})
	if err := s.BulkLoad([]testRecord{rec("a", 1), rec("b", 2), rec("c", 3)}); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if _, err := s.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// Push enough inserts past the (small) threshold to force
	// reconstruction, which archives the tombstoned "b" before dropping it.
	for i := 0; i < 5; i++ {
		if err := s.Add(rec(keyPad(i, 2), int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	versions, err := s.Archived("b")
	if err != nil {
		t.Fatalf("Archived: %v", err)
	}
	if len(versions) == 0 {
		t.Fatalf("Archived(b) returned no versions after reconstruction dropped it")
	}
}

// TestSeqFileAuxBounded verifies property 14: aux never exceeds k, and
// overflowing it triggers reconstruction.
func TestSeqFileAuxBounded(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{KFloor: 4})
	for i := 0; i < 10; i++ {
		if err := s.Add(rec(keyPad(i, 2), int32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
		n, err := s.auxCount()
		if err != nil {
			t.Fatalf("auxCount: %v", err)
		}
		if n > 4 {
			t.Fatalf("aux count %d exceeds threshold 4 after insert %d", n, i)
		}
	}
}

// TestSeqFileUpdate verifies idempotent insert-or-update (property 2)
// both for a key already in main and one still in aux.
func TestSeqFileUpdate(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})
	if err := s.BulkLoad([]testRecord{rec("a", 1)}); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if err := s.Add(rec("a", 99)); err != nil {
		t.Fatalf("Add update (main): %v", err)
	}
	got, found, err := s.Search("a")
	if err != nil || !found {
		t.Fatalf("Search: found=%v err=%v", found, err)
	}
	if got.Payload != 99 {
		t.Fatalf("Payload after update = %d, want 99", got.Payload)
	}

	if err := s.Add(rec("z", 1)); err != nil {
		t.Fatalf("Add(z): %v", err)
	}
	if err := s.Add(rec("z", 2)); err != nil {
		t.Fatalf("Add update (aux): %v", err)
	}
	got, found, err = s.Search("z")
	if err != nil || !found {
		t.Fatalf("Search(z): found=%v err=%v", found, err)
	}
	if got.Payload != 2 {
		t.Fatalf("Payload(z) after update = %d, want 2", got.Payload)
	}
}

// TestSeqFileRemoveFromAux verifies a key still pending in aux is
// spliced out physically rather than tombstoned.
func TestSeqFileRemoveFromAux(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})
	if err := s.Add(rec("pending", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := s.Remove("pending")
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	n, err := s.auxCount()
	if err != nil {
		t.Fatalf("auxCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("aux count after removing its only pending record = %d, want 0", n)
	}
}

// TestSeqFileAllIterator verifies All() yields the same count as Keys().
func TestSeqFileAllIterator(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})
	var batch []testRecord
	for i := 0; i < 30; i++ {
		batch = append(batch, rec(keyPad(i, 2), int32(i)))
	}
	if err := s.BulkLoad(batch); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	count := 0
	for _, err := range s.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		count++
	}
	if count != 30 {
		t.Fatalf("All() yielded %d records, want 30", count)
	}
}

// TestSeqFileNoDuplicates verifies main and aux both reject duplicate
// keys by routing to update-in-place instead.
func TestSeqFileNoDuplicates(t *testing.T) {
	s := openTestSeqFile(t, SeqConfig{})
	for i := 0; i < 5; i++ {
		if err := s.Add(rec("same", int32(i))); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	count := 0
	for _, r := range keys {
		if s.codec.Key(r) == "same" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d entries for repeatedly-added key, want 1", count)
	}
}
