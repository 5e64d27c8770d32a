// B+Tree index engine: fixed-width internal/leaf nodes in an index file,
// fixed-width leaf data pages chained by next_page in a separate data
// file. The root always lives at index-file slot 0; splits propagate
// upward along the descent stack recorded by the triggering operation,
// and a root split copies the (already-split) old root to a fresh slot
// so slot 0 can hold a brand new two-child root.
package stratum

import (
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"time"

	"go.uber.org/zap"
)

// BTree is a disk-resident B+Tree keyed by T's primary key field. R
// bounds the fanout of index nodes (at most R-1 keys, R children); M
// bounds the record capacity of a leaf data page; KeyLen is the fixed
// byte width reserved for a key inside an index node.
type BTree[T any] struct {
	ef     *engineFiles
	codec  *Codec[T]
	cfg    BTreeConfig
	log    *zap.Logger
	indexF string
	dataF  string

	recordSize int
	nodeSize   int
	pageSize   int
}

// NewBTree opens (creating if necessary) a B+Tree rooted at dir, using
// indexFile for nodes and dataFile for leaf pages. A brand-new tree is
// initialised with the canonical empty skeleton: one empty leaf root at
// index slot 0 pointing at one empty data page at data slot 0.
func NewBTree[T any](dir, indexFile, dataFile string, cfg BTreeConfig) (*BTree[T], error) {
	cfg = cfg.normalize()
	codec := NewCodec[T]()
	if codec.KeyWidth() > cfg.KeyLen {
		return nil, fmt.Errorf("stratum: key field width %d exceeds KeyLen %d", codec.KeyWidth(), cfg.KeyLen)
	}

	ef, err := openEngineFiles(dir)
	if err != nil {
		return nil, err
	}

	t := &BTree[T]{
		ef:         ef,
		codec:      codec,
		cfg:        cfg,
		log:        cfg.log(),
		indexF:     indexFile,
		dataF:      dataFile,
		recordSize: codec.Size(),
		nodeSize:   1 + 4 + (cfg.R-1)*cfg.KeyLen + cfg.R*4,
	}
	t.pageSize = 4 + 4 + cfg.M*t.recordSize

	n, err := slotCount(ef.root, indexFile, t.nodeSize)
	if err != nil {
		ef.Close()
		return nil, err
	}
	if n == 0 {
		if err := t.initSkeleton(); err != nil {
			ef.Close()
			return nil, err
		}
	}

	f, err := ef.root.OpenFile(indexFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		ef.Close()
		return nil, err
	}
	ef.lock = &fileLock{f: f}

	if err := t.writeManifest(); err != nil {
		ef.Close()
		return nil, err
	}
	return t, nil
}

func (t *BTree[T]) initSkeleton() error {
	pagePos, err := allocSlot(t.ef.root, t.dataF, t.pageSize)
	if err != nil {
		return err
	}
	if pagePos != 0 {
		return fmt.Errorf("%w: expected first data page at slot 0", ErrInvariant)
	}
	if err := t.writePage(pagePos, &dataPage{nextPage: -1}); err != nil {
		return err
	}

	root := &btreeNode{isLeaf: true, keys: nil, children: []int64{pagePos}}
	nodePos, err := t.allocNode()
	if err != nil {
		return err
	}
	if nodePos != 0 {
		return fmt.Errorf("%w: expected root at slot 0", ErrInvariant)
	}
	return t.writeNode(0, root)
}

func (t *BTree[T]) writeManifest() error {
	return writeManifest(t.ef.root, t.indexF+".manifest.json", Manifest{
		Engine:    "btree",
		Timestamp: nowMillis(),
		R:         t.cfg.R,
		M:         t.cfg.M,
		KeyLen:    t.cfg.KeyLen,
	})
}

// Close releases the B+Tree's file handles and advisory lock.
func (t *BTree[T]) Close() error { return t.ef.Close() }

// ---- node/page model ----

type btreeNode struct {
	isLeaf   bool
	keys     []string // length == count
	children []int64  // length == count+1
}

func (n *btreeNode) count() int { return len(n.keys) }

func (t *BTree[T]) encodeNode(n *btreeNode) []byte {
	buf := make([]byte, t.nodeSize)
	if n.isLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(int32(n.count())))

	off := 5
	for i := 0; i < t.cfg.R-1; i++ {
		if i < len(n.keys) {
			packString(buf[off:off+t.cfg.KeyLen], n.keys[i])
		}
		off += t.cfg.KeyLen
	}
	for i := 0; i < t.cfg.R; i++ {
		v := int32(-1)
		if i < len(n.children) {
			v = int32(n.children[i])
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
		off += 4
	}
	return buf
}

func (t *BTree[T]) decodeNode(buf []byte) *btreeNode {
	n := &btreeNode{}
	if len(buf) < t.nodeSize {
		return n // a short slot decodes as an empty node with no keys or children
	}
	n.isLeaf = buf[0] != 0
	count := int(int32(binary.LittleEndian.Uint32(buf[1:5])))
	if count < 0 || count > t.cfg.R-1 {
		count = 0 // tolerant of a corrupt count rather than panicking on slice bounds
	}

	off := 5
	n.keys = make([]string, count)
	for i := 0; i < t.cfg.R-1; i++ {
		if i < count {
			n.keys[i] = unpackString(buf[off : off+t.cfg.KeyLen])
		}
		off += t.cfg.KeyLen
	}

	n.children = make([]int64, count+1)
	for i := 0; i < t.cfg.R; i++ {
		v := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		if i < count+1 {
			n.children[i] = int64(v)
		}
		off += 4
	}
	return n
}

func (t *BTree[T]) readNode(pos int64) (*btreeNode, error) {
	buf, err := readSlot(t.ef.root, t.indexF, pos, t.nodeSize)
	if err != nil {
		return nil, err
	}
	return t.decodeNode(buf), nil
}

func (t *BTree[T]) writeNode(pos int64, n *btreeNode) error {
	return writeSlot(t.ef.root, t.indexF, pos, t.encodeNode(n))
}

func (t *BTree[T]) allocNode() (int64, error) {
	return allocSlot(t.ef.root, t.indexF, t.nodeSize)
}

type dataPage struct {
	nextPage int64
	records  [][]byte // packed records, length == count, sorted by key
}

func (t *BTree[T]) encodePage(p *dataPage) []byte {
	buf := make([]byte, t.pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(len(p.records))))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(p.nextPage)))

	off := 8
	for _, r := range p.records {
		copy(buf[off:off+t.recordSize], r)
		off += t.recordSize
	}
	return buf
}

func (t *BTree[T]) decodePage(buf []byte) *dataPage {
	p := &dataPage{nextPage: -1}
	if len(buf) < t.pageSize {
		return p
	}
	count := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if count < 0 || count > t.cfg.M {
		count = 0
	}
	p.nextPage = int64(int32(binary.LittleEndian.Uint32(buf[4:8])))

	off := 8
	for i := 0; i < t.cfg.M; i++ {
		if i < count {
			rec := make([]byte, t.recordSize)
			copy(rec, buf[off:off+t.recordSize])
			p.records = append(p.records, rec)
		}
		off += t.recordSize
	}
	return p
}

func (t *BTree[T]) readPage(pos int64) (*dataPage, error) {
	buf, err := readSlot(t.ef.root, t.dataF, pos, t.pageSize)
	if err != nil {
		return nil, err
	}
	return t.decodePage(buf), nil
}

func (t *BTree[T]) writePage(pos int64, p *dataPage) error {
	return writeSlot(t.ef.root, t.dataF, pos, t.encodePage(p))
}

func (t *BTree[T]) allocPage() (int64, error) {
	return allocSlot(t.ef.root, t.dataF, t.pageSize)
}

// ---- descent ----

// childPos returns the smallest index such that key < keys[pos], or
// count if no such index exists — i.e. it routes key >= keys[i] to the
// right of keys[i]. Equal keys therefore descend right; Add relies on
// the destination page's equality check to avoid duplicates rather than
// on descent routing (spec.md's documented open question).
func childPos(keys []string, key string) int {
	pos := 0
	for pos < len(keys) && key >= keys[pos] {
		pos++
	}
	return pos
}

type stackEntry struct {
	slot int64
	pos  int
}

// descendToPage walks from the root to the data-page slot that would
// hold key, detecting descent cycles (a corrupted file) along the way.
func (t *BTree[T]) descendToPage(key string) (int64, error) {
	slot := int64(0)
	visited := make(map[int64]bool)
	for {
		if visited[slot] {
			return 0, fmt.Errorf("%w: descent cycle at node %d", ErrInvariant, slot)
		}
		visited[slot] = true

		node, err := t.readNode(slot)
		if err != nil {
			return 0, err
		}
		pos := childPos(node.keys, key)
		if node.isLeaf {
			return node.children[pos], nil
		}
		slot = node.children[pos]
	}
}

// descendWithStack is descendToPage's Add-time counterpart: it records
// every (node slot, chosen child index) pair visited, which the caller
// ascends afterward to propagate a leaf-page split's separator key.
func (t *BTree[T]) descendWithStack(key string) ([]stackEntry, int64, error) {
	var stack []stackEntry
	slot := int64(0)
	visited := make(map[int64]bool)
	for {
		if visited[slot] {
			return nil, 0, fmt.Errorf("%w: descent cycle at node %d", ErrInvariant, slot)
		}
		visited[slot] = true

		node, err := t.readNode(slot)
		if err != nil {
			return nil, 0, err
		}
		pos := childPos(node.keys, key)
		stack = append(stack, stackEntry{slot: slot, pos: pos})
		if node.isLeaf {
			return stack, node.children[pos], nil
		}
		slot = node.children[pos]
	}
}

// ---- public API ----

// Search returns the record with the given key, if any.
func (t *BTree[T]) Search(key string) (T, bool, error) {
	var zero T
	if err := t.ef.checkOpen(); err != nil {
		return zero, false, err
	}
	if err := t.ef.lock.Lock(LockShared); err != nil {
		return zero, false, err
	}
	defer t.ef.lock.Unlock()

	pagePos, err := t.descendToPage(key)
	if err != nil {
		return zero, false, err
	}
	page, err := t.readPage(pagePos)
	if err != nil {
		return zero, false, err
	}
	for _, raw := range page.records {
		rec, ok := t.codec.Unpack(raw)
		if ok && t.codec.Key(rec) == key {
			return rec, true, nil
		}
	}
	return zero, false, nil
}

// RangeSearch returns every record with begin <= key <= end, in
// ascending key order, by descending to begin's leaf page and walking
// the next_page chain until a key exceeds end or the chain ends.
func (t *BTree[T]) RangeSearch(begin, end string) ([]T, error) {
	if err := t.ef.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.ef.lock.Lock(LockShared); err != nil {
		return nil, err
	}
	defer t.ef.lock.Unlock()

	pagePos, err := t.descendToPage(begin)
	if err != nil {
		return nil, err
	}

	var out []T
	visited := make(map[int64]bool)
	for pagePos != -1 {
		if visited[pagePos] {
			return nil, fmt.Errorf("%w: leaf chain cycle at page %d", ErrInvariant, pagePos)
		}
		visited[pagePos] = true

		page, err := t.readPage(pagePos)
		if err != nil {
			return nil, err
		}
		done := false
		for _, raw := range page.records {
			rec, ok := t.codec.Unpack(raw)
			if !ok {
				continue
			}
			k := t.codec.Key(rec)
			if k > end {
				done = true
				break
			}
			if k >= begin {
				out = append(out, rec)
			}
		}
		if done {
			break
		}
		pagePos = page.nextPage
	}
	return out, nil
}

// Add inserts rec, or overwrites the existing record with the same key.
// An empty primary key is a silent no-op.
func (t *BTree[T]) Add(rec T) error {
	if err := t.ef.checkOpen(); err != nil {
		return err
	}
	key := t.codec.Key(rec)
	if key == "" {
		return nil
	}
	if len(key) > t.cfg.KeyLen {
		return fmt.Errorf("%w: key %q is %d bytes, KeyLen is %d", ErrKeyTooLong, key, len(key), t.cfg.KeyLen)
	}
	packed, err := t.codec.Pack(rec)
	if err != nil {
		return err
	}

	if err := t.ef.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer t.ef.lock.Unlock()

	stack, pagePos, err := t.descendWithStack(key)
	if err != nil {
		return err
	}
	page, err := t.readPage(pagePos)
	if err != nil {
		return err
	}

	idx, exists := locateInPage(page.records, t, key)
	if exists {
		page.records[idx] = packed
		return t.writePage(pagePos, page)
	}

	page.records = append(page.records, nil)
	copy(page.records[idx+1:], page.records[idx:])
	page.records[idx] = packed

	if len(page.records) <= t.cfg.M {
		return t.writePage(pagePos, page)
	}

	return t.splitLeafPage(stack, pagePos, page)
}

// locateInPage returns the sorted-insertion index for key, and whether a
// record with that exact key already exists at that index.
func locateInPage[T any](records [][]byte, t *BTree[T], key string) (int, bool) {
	for i, raw := range records {
		rec, ok := t.codec.Unpack(raw)
		if !ok {
			continue
		}
		k := t.codec.Key(rec)
		if k == key {
			return i, true
		}
		if k > key {
			return i, false
		}
	}
	return len(records), false
}

// splitLeafPage splits an overflowed leaf page (count == M+1) into two,
// then propagates the separator up the descent stack. Per spec.md §5's
// ordering guarantee, the right sibling is allocated and written before
// the left page (still at its original slot) is rewritten, so a crash
// mid-split never leaves a reader looking at a dangling next_page.
func (t *BTree[T]) splitLeafPage(stack []stackEntry, leftSlot int64, page *dataPage) error {
	mid := (len(page.records) + 1) / 2 // ceil(count/2)
	left := &dataPage{nextPage: page.nextPage, records: page.records[:mid]}
	right := &dataPage{nextPage: page.nextPage, records: page.records[mid:]}

	rightSlot, err := t.allocPage()
	if err != nil {
		return err
	}
	if err := t.writePage(rightSlot, right); err != nil {
		return err
	}
	left.nextPage = rightSlot
	if err := t.writePage(leftSlot, left); err != nil {
		return err
	}

	sep, _ := t.codec.Unpack(right.records[0])
	t.log.Debug("btree: leaf split",
		zap.Int64("left", leftSlot), zap.Int64("right", rightSlot), zap.String("separator", t.codec.Key(sep)))

	return t.ascendInsert(stack, len(stack)-1, t.codec.Key(sep), rightSlot)
}

// ascendInsert inserts (sepKey, rightChild) into the node at stack[level]
// at the position recorded during descent, splitting that node (and
// recursing upward) if it overflows, and handling the slot-0 root-split
// case per spec.md §4.2/§9.
func (t *BTree[T]) ascendInsert(stack []stackEntry, level int, sepKey string, rightChild int64) error {
	entry := stack[level]
	node, err := t.readNode(entry.slot)
	if err != nil {
		return err
	}

	node.keys = insertAt(node.keys, entry.pos, sepKey)
	node.children = insertChildAt(node.children, entry.pos+1, rightChild)

	if node.count() <= t.cfg.R-1 {
		return t.writeNode(entry.slot, node)
	}

	// Overflow: split the node. mid = count/2 (count == R here).
	mid := node.count() / 2
	promoted := node.keys[mid]
	left := &btreeNode{isLeaf: node.isLeaf, keys: node.keys[:mid], children: node.children[:mid+1]}
	right := &btreeNode{isLeaf: node.isLeaf, keys: node.keys[mid+1:], children: node.children[mid+1:]}

	rightSlot, err := t.allocNode()
	if err != nil {
		return err
	}
	if err := t.writeNode(rightSlot, right); err != nil {
		return err
	}
	if err := t.writeNode(entry.slot, left); err != nil {
		return err
	}

	if entry.slot != 0 {
		t.log.Debug("btree: node split", zap.Int64("node", entry.slot), zap.Int64("right", rightSlot))
		if level == 0 {
			return fmt.Errorf("%w: non-root split with empty remaining stack", ErrInvariant)
		}
		return t.ascendInsert(stack, level-1, promoted, rightSlot)
	}

	// Root split: the (already truncated) root currently sitting at
	// slot 0 is copied wholesale to a fresh slot, and slot 0 becomes a
	// brand new two-child root. This keeps the root-at-slot-0 invariant
	// without needing callers to track where the "real" root is.
	copiedRootSlot, err := t.allocNode()
	if err != nil {
		return err
	}
	if err := t.writeNode(copiedRootSlot, left); err != nil {
		return err
	}
	newRoot := &btreeNode{isLeaf: false, keys: []string{promoted}, children: []int64{copiedRootSlot, rightSlot}}
	t.log.Debug("btree: root split", zap.Int64("old_root_copy", copiedRootSlot), zap.Int64("right", rightSlot))
	return t.writeNode(0, newRoot)
}

func insertAt(s []string, i int, v string) []string {
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertChildAt(s []int64, i int, v int64) []int64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Remove deletes the record with the given key, if any, and reports
// whether it existed. No underflow rebalancing is performed, and index
// separator keys are left uncorrected when a page's first key changes —
// a deliberate simplification per spec.md §4.2/§9 that trades
// occasionally-wasteful descents for simpler invariants.
func (t *BTree[T]) Remove(key string) (bool, error) {
	if err := t.ef.checkOpen(); err != nil {
		return false, err
	}
	if key == "" {
		return false, nil
	}
	if err := t.ef.lock.Lock(LockExclusive); err != nil {
		return false, err
	}
	defer t.ef.lock.Unlock()

	pagePos, err := t.descendToPage(key)
	if err != nil {
		return false, err
	}
	page, err := t.readPage(pagePos)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, raw := range page.records {
		rec, ok := t.codec.Unpack(raw)
		if ok && t.codec.Key(rec) == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	page.records = append(page.records[:idx], page.records[idx+1:]...)
	if err := t.writePage(pagePos, page); err != nil {
		return false, err
	}
	return true, nil
}

// BulkLoad adds every record by calling Add on each in order, stopping at
// the first error. Each Add acquires and releases the OS lock itself;
// the lock is not held across the whole batch.
func (t *BTree[T]) BulkLoad(records []T) error {
	for _, r := range records {
		if err := t.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Keys enumerates every live record by walking the leaf chain from the
// leftmost leaf, matching property 6 (leaf chain order) in spec.md §8.
func (t *BTree[T]) Keys() ([]T, error) {
	if err := t.ef.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.ef.lock.Lock(LockShared); err != nil {
		return nil, err
	}
	defer t.ef.lock.Unlock()

	pagePos, err := t.leftmostLeafPage()
	if err != nil {
		return nil, err
	}

	var out []T
	visited := make(map[int64]bool)
	for pagePos != -1 {
		if visited[pagePos] {
			return nil, fmt.Errorf("%w: leaf chain cycle at page %d", ErrInvariant, pagePos)
		}
		visited[pagePos] = true

		page, err := t.readPage(pagePos)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.records {
			if rec, ok := t.codec.Unpack(raw); ok {
				out = append(out, rec)
			}
		}
		pagePos = page.nextPage
	}
	return out, nil
}

func (t *BTree[T]) leftmostLeafPage() (int64, error) {
	slot := int64(0)
	visited := make(map[int64]bool)
	for {
		if visited[slot] {
			return 0, fmt.Errorf("%w: descent cycle at node %d", ErrInvariant, slot)
		}
		visited[slot] = true

		node, err := t.readNode(slot)
		if err != nil {
			return 0, err
		}
		if node.isLeaf {
			return node.children[0], nil
		}
		slot = node.children[0]
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// All returns an iterator over every live record in ascending key order,
// mirroring the teacher's range-over-func enumeration idiom. It calls
// Keys, so the whole leaf chain is read into memory before the first
// record is yielded; breaking out early stops the yielding, not the read.
func (t *BTree[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		records, err := t.Keys()
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
