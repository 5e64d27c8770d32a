// Shared paged-file helpers.
//
// Every backing file in this package — B+Tree index/data files,
// Extendible Hashing directory/bucket files, Sequential File main/aux
// files — is an array of fixed-size slots addressed by a 0-based
// integer index. These helpers implement the one allocation discipline
// spec.md §4.5 specifies for all three: alloc() computes
// pos = file_size / slot_size, writes a zero slot at pos*slot_size, and
// returns pos. That's the only way slots come into existence; nothing
// in this package ever frees one.
//
// Per spec.md §5, the B+Tree and Extendible Hashing engines open their
// backing file fresh for each operation (matching the reference
// implementation's per-call `with open(...)` pattern) rather than
// holding a data handle for the engine's lifetime; the Sequential File
// engine does hold its main and aux files open because its
// reconstruction needs a stable view across many sequential reads. The
// slot functions here serve the former. engineFiles, used by all three
// engines, keeps the directory root and the advisory-lock handle open.
package stratum

import (
	"fmt"
	"io"
	"os"
)

// readSlot reads exactly size bytes at slot index pos from name under
// root. A short or missing read — including a file that doesn't yet
// reach that offset — returns a zero-filled buffer and no error: per
// spec.md §7, a short read on a well-formed file is an empty node/page,
// not a failure, which is what lets every engine grow its files lazily
// from nothing.
func readSlot(root *os.Root, name string, pos int64, size int) ([]byte, error) {
	f, err := root.Open(name)
	if os.IsNotExist(err) {
		return make([]byte, size), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stratum: open %s: %w", name, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, pos*int64(size))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("stratum: read %s at slot %d: %w", name, pos, err)
	}
	if n < size {
		// Short read: zero-fill the remainder so a partially-allocated
		// or not-yet-extended slot still decodes as "empty" rather than
		// panicking a fixed-width unpack.
		for i := n; i < size; i++ {
			buf[i] = 0
		}
	}
	return buf, nil
}

// writeSlot overwrites the entire slot at index pos with data, creating
// name under root if it doesn't exist. data must be exactly the slot
// size; every write in this package is a whole-slot overwrite, never a
// partial patch, so a reader never observes a half-written slot once
// the syscall returns.
func writeSlot(root *os.Root, name string, pos int64, data []byte) error {
	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("stratum: open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, pos*int64(len(data))); err != nil {
		return fmt.Errorf("stratum: write %s at slot %d: %w", name, pos, err)
	}
	return nil
}

// allocSlot appends a new zero-filled slot of slotSize bytes to name
// under root and returns its index. This is the only way a slot index
// comes into existence in this package.
func allocSlot(root *os.Root, name string, slotSize int) (int64, error) {
	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("stratum: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stratum: stat %s: %w", name, err)
	}
	pos := info.Size() / int64(slotSize)

	if _, err := f.WriteAt(make([]byte, slotSize), pos*int64(slotSize)); err != nil {
		return 0, fmt.Errorf("stratum: alloc %s at slot %d: %w", name, pos, err)
	}
	return pos, nil
}

// slotCount returns the number of fully-addressable slots currently in
// name under root (0 if the file doesn't exist yet).
func slotCount(root *os.Root, name string, slotSize int) (int64, error) {
	f, err := root.Open(name)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stratum: stat %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stratum: stat %s: %w", name, err)
	}
	return info.Size() / int64(slotSize), nil
}

// engineFiles is the per-instance file lifecycle shared by all three
// engines. It bundles the sandboxed directory root, an OS-level
// advisory lock over the primary file, and a closed flag, mirroring the
// teacher's DB.root/DB.lock/DB.state fields without the multi-reader
// scheduler those didn't need here — spec.md's concurrency model is
// single-writer/single-reader per instance, not folio's
// many-readers-one-compactor model, so there's no internal state
// machine to arbitrate.
type engineFiles struct {
	root   *os.Root
	lock   *fileLock
	closed bool
}

func openEngineFiles(dir string) (*engineFiles, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("stratum: open dir %s: %w", dir, err)
	}
	return &engineFiles{root: root}, nil
}

func (e *engineFiles) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.lock != nil {
		e.lock.mu.Lock()
		f := e.lock.f
		e.lock.f = nil
		e.lock.mu.Unlock()
		if f != nil {
			_ = f.Close()
		}
	}
	return e.root.Close()
}

func (e *engineFiles) checkOpen() error {
	if e.closed {
		return ErrClosed
	}
	return nil
}
