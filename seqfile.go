// Sequential File index engine: a sorted main file (with an in-place
// tombstone byte per record) paired with a small sorted auxiliary file
// that absorbs new inserts until it grows past a threshold, at which
// point the two are merged into a fresh sorted main file.
//
// Unlike the B+Tree and Extendible Hashing engines, this one holds its
// file handles open for the engine's lifetime rather than per
// operation (spec.md §5): reconstruction needs a stable view across
// many sequential reads, and repeatedly reopening the main file for
// every binary-search probe would be wasteful for what is, by design,
// the engine with the most sequential I/O.
package stratum

import (
	"fmt"
	"iter"
	"os"
	"sort"

	"go.uber.org/zap"
)

// SequentialFile is a disk-resident sorted index keyed by T's primary
// key field.
type SequentialFile[T any] struct {
	ef    *engineFiles
	codec *Codec[T]
	cfg   SeqConfig
	log   *zap.Logger

	mainName, auxName, archiveName string
	mainFile, auxFile              *os.File

	recordSize   int
	mainSlotSize int // 1 tombstone byte + recordSize
}

// NewSequentialFile opens (creating if necessary) a Sequential File
// index rooted at dir, using mainFile for the sorted live/tombstoned
// records and auxFile for the pending-insert buffer.
func NewSequentialFile[T any](dir, mainFile, auxFile string, cfg SeqConfig) (*SequentialFile[T], error) {
	cfg = cfg.normalize()
	codec := NewCodec[T]()

	ef, err := openEngineFiles(dir)
	if err != nil {
		return nil, err
	}

	mf, err := ef.root.OpenFile(mainFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		ef.Close()
		return nil, fmt.Errorf("stratum: open %s: %w", mainFile, err)
	}
	af, err := ef.root.OpenFile(auxFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		mf.Close()
		ef.Close()
		return nil, fmt.Errorf("stratum: open %s: %w", auxFile, err)
	}
	ef.lock = &fileLock{f: mf}

	s := &SequentialFile[T]{
		ef:           ef,
		codec:        codec,
		cfg:          cfg,
		log:          cfg.log(),
		mainName:     mainFile,
		auxName:      auxFile,
		archiveName:  mainFile + ".archive.jsonl",
		mainFile:     mf,
		auxFile:      af,
		recordSize:   codec.Size(),
		mainSlotSize: 1 + codec.Size(),
	}

	if err := s.writeManifest(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SequentialFile[T]) writeManifest() error {
	return writeManifest(s.ef.root, s.mainName+".manifest.json", Manifest{
		Engine:    "seqfile",
		Timestamp: nowMillis(),
		KFloor:    s.cfg.KFloor,
	})
}

// Close releases the Sequential File's persistent handles and advisory
// lock.
func (s *SequentialFile[T]) Close() error {
	if s.ef.closed {
		return nil
	}
	s.ef.lock.setFile(nil)
	_ = s.mainFile.Close()
	_ = s.auxFile.Close()
	return s.ef.Close()
}

// ---- raw record access (persistent handles) ----

func (s *SequentialFile[T]) mainCount() (int64, error) {
	info, err := s.mainFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() / int64(s.mainSlotSize), nil
}

func (s *SequentialFile[T]) auxCount() (int64, error) {
	info, err := s.auxFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() / int64(s.recordSize), nil
}

// readMainAt returns the tombstone flag and unpacked record at main
// index i.
func (s *SequentialFile[T]) readMainAt(i int64) (bool, T, error) {
	var zero T
	buf := make([]byte, s.mainSlotSize)
	if _, err := s.mainFile.ReadAt(buf, i*int64(s.mainSlotSize)); err != nil {
		return false, zero, fmt.Errorf("stratum: read main %s at %d: %w", s.mainName, i, err)
	}
	rec, _ := s.codec.Unpack(buf[1:])
	return buf[0] != 0, rec, nil
}

func (s *SequentialFile[T]) mainKeyAt(i int64) (string, error) {
	_, rec, err := s.readMainAt(i)
	if err != nil {
		return "", err
	}
	return s.codec.Key(rec), nil
}

func (s *SequentialFile[T]) writeMainAt(i int64, tombstone bool, packed []byte) error {
	buf := make([]byte, s.mainSlotSize)
	if tombstone {
		buf[0] = 1
	}
	copy(buf[1:], packed)
	_, err := s.mainFile.WriteAt(buf, i*int64(s.mainSlotSize))
	return err
}

func (s *SequentialFile[T]) readAuxAt(i int64) (T, error) {
	var zero T
	buf := make([]byte, s.recordSize)
	if _, err := s.auxFile.ReadAt(buf, i*int64(s.recordSize)); err != nil {
		return zero, fmt.Errorf("stratum: read aux %s at %d: %w", s.auxName, i, err)
	}
	rec, _ := s.codec.Unpack(buf)
	return rec, nil
}

func (s *SequentialFile[T]) auxKeyAt(i int64) (string, error) {
	rec, err := s.readAuxAt(i)
	if err != nil {
		return "", err
	}
	return s.codec.Key(rec), nil
}

func (s *SequentialFile[T]) readAllAux() ([]T, error) {
	n, err := s.auxCount()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := int64(0); i < n; i++ {
		rec, err := s.readAuxAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SequentialFile[T]) writeAllAux(records []T) error {
	buf := make([]byte, 0, len(records)*s.recordSize)
	for _, rec := range records {
		packed, err := s.codec.Pack(rec)
		if err != nil {
			return err
		}
		buf = append(buf, packed...)
	}
	if err := s.auxFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.auxFile.WriteAt(buf, 0)
	return err
}

// lowerBoundMain returns the smallest index in [0, n) whose key is >=
// key (n if none), by binary search over the always-sorted main file.
func (s *SequentialFile[T]) lowerBoundMain(key string, n int64) (int64, error) {
	lo, hi := int64(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := s.mainKeyAt(mid)
		if err != nil {
			return 0, err
		}
		if k < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func (s *SequentialFile[T]) lowerBoundAux(key string, n int64) (int64, error) {
	lo, hi := int64(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := s.auxKeyAt(mid)
		if err != nil {
			return 0, err
		}
		if k < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// ---- public API ----

// Search returns the record with the given key, if any, checking the
// main file first (binary search, skipping a tombstoned hit) and then
// the aux file.
func (s *SequentialFile[T]) Search(key string) (T, bool, error) {
	var zero T
	if err := s.ef.checkOpen(); err != nil {
		return zero, false, err
	}
	if err := s.ef.lock.Lock(LockShared); err != nil {
		return zero, false, err
	}
	defer s.ef.lock.Unlock()

	n, err := s.mainCount()
	if err != nil {
		return zero, false, err
	}
	idx, err := s.lowerBoundMain(key, n)
	if err != nil {
		return zero, false, err
	}
	if idx < n {
		tomb, rec, err := s.readMainAt(idx)
		if err != nil {
			return zero, false, err
		}
		if !tomb && s.codec.Key(rec) == key {
			return rec, true, nil
		}
	}

	m, err := s.auxCount()
	if err != nil {
		return zero, false, err
	}
	aidx, err := s.lowerBoundAux(key, m)
	if err != nil {
		return zero, false, err
	}
	if aidx < m {
		rec, err := s.readAuxAt(aidx)
		if err != nil {
			return zero, false, err
		}
		if s.codec.Key(rec) == key {
			return rec, true, nil
		}
	}
	return zero, false, nil
}

// RangeSearch returns every record with begin <= key <= end, in
// ascending key order, merging a sequential sweep of the main file with
// one of the aux file.
func (s *SequentialFile[T]) RangeSearch(begin, end string) ([]T, error) {
	if err := s.ef.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.ef.lock.Lock(LockShared); err != nil {
		return nil, err
	}
	defer s.ef.lock.Unlock()

	n, err := s.mainCount()
	if err != nil {
		return nil, err
	}
	start, err := s.lowerBoundMain(begin, n)
	if err != nil {
		return nil, err
	}
	var fromMain []T
	for i := start; i < n; i++ {
		tomb, rec, err := s.readMainAt(i)
		if err != nil {
			return nil, err
		}
		k := s.codec.Key(rec)
		if k > end {
			break
		}
		if !tomb {
			fromMain = append(fromMain, rec)
		}
	}

	m, err := s.auxCount()
	if err != nil {
		return nil, err
	}
	astart, err := s.lowerBoundAux(begin, m)
	if err != nil {
		return nil, err
	}
	var fromAux []T
	for i := astart; i < m; i++ {
		rec, err := s.readAuxAt(i)
		if err != nil {
			return nil, err
		}
		if s.codec.Key(rec) > end {
			break
		}
		fromAux = append(fromAux, rec)
	}

	return mergeSortedByKey(fromMain, fromAux, s.codec), nil
}

func mergeSortedByKey[T any](a, b []T, codec *Codec[T]) []T {
	out := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if codec.Key(a[i]) <= codec.Key(b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// Add inserts rec, or overwrites the existing record with the same key,
// maintaining the aux file's sorted order. Once the aux file grows past
// k = max(KFloor, floor(log2 N)) pending records, it triggers a
// reconstruction. An empty primary key is a silent no-op.
func (s *SequentialFile[T]) Add(rec T) error {
	if err := s.ef.checkOpen(); err != nil {
		return err
	}
	key := s.codec.Key(rec)
	if key == "" {
		return nil
	}
	packed, err := s.codec.Pack(rec)
	if err != nil {
		return err
	}

	if err := s.ef.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer s.ef.lock.Unlock()

	n, err := s.mainCount()
	if err != nil {
		return err
	}
	idx, err := s.lowerBoundMain(key, n)
	if err != nil {
		return err
	}
	if idx < n {
		tomb, existing, err := s.readMainAt(idx)
		if err != nil {
			return err
		}
		if s.codec.Key(existing) == key {
			// Overwrite in place: live update, or resurrection of a
			// tombstoned slot under the same key. Either way the sorted
			// position doesn't change.
			_ = tomb
			return s.writeMainAt(idx, false, packed)
		}
	}

	aux, err := s.readAllAux()
	if err != nil {
		return err
	}
	pos := sort.Search(len(aux), func(i int) bool { return s.codec.Key(aux[i]) >= key })
	if pos < len(aux) && s.codec.Key(aux[pos]) == key {
		aux[pos] = rec
	} else {
		aux = append(aux, rec)
		copy(aux[pos+1:], aux[pos:])
		aux[pos] = rec
	}
	if err := s.writeAllAux(aux); err != nil {
		return err
	}

	total := n + int64(len(aux))
	if int64(len(aux)) > s.threshold(total) {
		return s.reconstructLocked()
	}
	return nil
}

// threshold computes k = max(KFloor, floor(log2 N)). Add passes N as
// the main file's slot count (tombstoned slots included) plus the aux
// record count.
func (s *SequentialFile[T]) threshold(n int64) int64 {
	k := int64(s.cfg.KFloor)
	if n > 1 {
		floorLog2 := int64(0)
		for v := n; v > 1; v >>= 1 {
			floorLog2++
		}
		if floorLog2 > k {
			k = floorLog2
		}
	}
	return k
}

// Remove deletes the record with the given key, if any, and reports
// whether it existed. A key present in aux is spliced out physically; a
// key present (and live) in main is tombstoned in place rather than
// shifting every subsequent record.
func (s *SequentialFile[T]) Remove(key string) (bool, error) {
	if err := s.ef.checkOpen(); err != nil {
		return false, err
	}
	if key == "" {
		return false, nil
	}
	if err := s.ef.lock.Lock(LockExclusive); err != nil {
		return false, err
	}
	defer s.ef.lock.Unlock()

	aux, err := s.readAllAux()
	if err != nil {
		return false, err
	}
	for i, rec := range aux {
		if s.codec.Key(rec) == key {
			aux = append(aux[:i], aux[i+1:]...)
			return true, s.writeAllAux(aux)
		}
	}

	n, err := s.mainCount()
	if err != nil {
		return false, err
	}
	idx, err := s.lowerBoundMain(key, n)
	if err != nil {
		return false, err
	}
	if idx >= n {
		return false, nil
	}
	tomb, rec, err := s.readMainAt(idx)
	if err != nil {
		return false, err
	}
	if s.codec.Key(rec) != key || tomb {
		return false, nil
	}
	packed, err := s.codec.Pack(rec)
	if err != nil {
		return false, err
	}
	if err := s.writeMainAt(idx, true, packed); err != nil {
		return false, err
	}
	return true, nil
}

// BulkLoad replaces the entire index with records, sorted by key, as a
// fresh main file with an empty aux file. It is the direct analogue of
// the reference implementation's initial bulk_load; reconstruction
// (reconstructLocked) uses the same bulkLoadLocked path internally.
func (s *SequentialFile[T]) BulkLoad(records []T) error {
	if err := s.ef.checkOpen(); err != nil {
		return err
	}
	if err := s.ef.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer s.ef.lock.Unlock()
	return s.bulkLoadLocked(records)
}

func (s *SequentialFile[T]) bulkLoadLocked(records []T) error {
	sorted := append([]T(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return s.codec.Key(sorted[i]) < s.codec.Key(sorted[j]) })

	tmpName := s.mainName + ".rebuild.tmp"
	_ = s.ef.root.Remove(tmpName)
	tmp, err := s.ef.root.OpenFile(tmpName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(sorted)*s.mainSlotSize)
	for _, rec := range sorted {
		packed, err := s.codec.Pack(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		slot := make([]byte, s.mainSlotSize)
		copy(slot[1:], packed)
		buf = append(buf, slot...)
	}
	if _, err := tmp.WriteAt(buf, 0); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.swapMainFile(tmpName); err != nil {
		return err
	}
	return s.writeAllAux(nil)
}

// reconstructLocked merges live main records and the aux buffer into a
// fresh sorted main file, archiving every tombstoned main record being
// permanently dropped, then clears aux. The caller must already hold
// the exclusive lock.
func (s *SequentialFile[T]) reconstructLocked() error {
	n, err := s.mainCount()
	if err != nil {
		return err
	}
	ts := nowMillis()

	var live []T
	for i := int64(0); i < n; i++ {
		tomb, rec, err := s.readMainAt(i)
		if err != nil {
			return err
		}
		if tomb {
			if packed, perr := s.codec.Pack(rec); perr == nil {
				_ = appendArchive(s.ef.root, s.archiveName, s.codec.Key(rec), packed, ts)
			}
			continue
		}
		live = append(live, rec)
	}

	aux, err := s.readAllAux()
	if err != nil {
		return err
	}
	merged := mergeSortedByKey(live, aux, s.codec)

	s.log.Info("seqfile: reconstruction", zap.Int("live", len(live)), zap.Int("aux", len(aux)))
	return s.bulkLoadLocked(merged)
}

// swapMainFile atomically replaces the main file with tmpName (grounded
// on the teacher's temp-file-then-rename repair pattern), then reopens
// the persistent handle and re-seats the advisory lock on it.
func (s *SequentialFile[T]) swapMainFile(tmpName string) error {
	s.ef.lock.setFile(nil)
	if err := s.mainFile.Close(); err != nil {
		return err
	}
	if err := s.ef.root.Rename(tmpName, s.mainName); err != nil {
		return fmt.Errorf("stratum: swap main file: %w", err)
	}
	mf, err := s.ef.root.OpenFile(s.mainName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	s.mainFile = mf
	s.ef.lock.setFile(mf)
	return nil
}

// Archived returns every previously-live version of key that
// reconstruction has permanently dropped from the main file, oldest
// first.
func (s *SequentialFile[T]) Archived(key string) ([]ArchivedVersion, error) {
	if err := s.ef.checkOpen(); err != nil {
		return nil, err
	}
	return readArchive(s.ef.root, s.archiveName, key)
}

// Keys enumerates every live record in ascending key order: a
// sequential sweep of main (skipping tombstones) merged with aux.
func (s *SequentialFile[T]) Keys() ([]T, error) {
	if err := s.ef.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.ef.lock.Lock(LockShared); err != nil {
		return nil, err
	}
	defer s.ef.lock.Unlock()

	n, err := s.mainCount()
	if err != nil {
		return nil, err
	}
	var live []T
	for i := int64(0); i < n; i++ {
		tomb, rec, err := s.readMainAt(i)
		if err != nil {
			return nil, err
		}
		if !tomb {
			live = append(live, rec)
		}
	}
	aux, err := s.readAllAux()
	if err != nil {
		return nil, err
	}
	return mergeSortedByKey(live, aux, s.codec), nil
}

// All returns a lazily-consumed iterator over every live record in
// ascending key order, mirroring the teacher's range-over-func
// enumeration idiom (see BTree.All).
func (s *SequentialFile[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		records, err := s.Keys()
		if err != nil {
			yield(*new(T), err)
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}
