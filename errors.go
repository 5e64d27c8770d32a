package stratum

import "errors"

// Sentinel errors returned by engine operations. These correspond to the
// error kinds in the design: NotFound and InvalidInput are ordinary
// returns callers are expected to check; the Corrupt* and ErrInvariant
// family indicate a malformed or impossible on-disk state and should be
// treated as fatal for the affected file. Plain I/O failures from the
// underlying *os.File are propagated unwrapped-ish via %w and are not
// listed here.
var (
	// ErrNotFound names a missing key. The engines do not return it:
	// Search reports a missing key with found == false, and Remove by
	// returning false.
	ErrNotFound = errors.New("stratum: key not found")

	// ErrEmptyKey names an empty primary key. No engine or codec function
	// in this package returns it: Add with an empty key is a silent no-op.
	ErrEmptyKey = errors.New("stratum: empty primary key")

	// ErrKeyTooLong is returned when a key's encoded byte length exceeds the
	// engine's configured key width (KEY_LEN for the B+Tree).
	ErrKeyTooLong = errors.New("stratum: key exceeds maximum width")

	// ErrDuplicateKey names a duplicate key. No operation in this package
	// returns it: every engine's Add overwrites an existing record with
	// the same key instead.
	ErrDuplicateKey = errors.New("stratum: duplicate key")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("stratum: engine is closed")

	// ErrCorruptRecord is returned when on-disk header bytes are
	// implausible, such as an Extendible Hashing directory whose depth is
	// out of range. Scan paths skip a record that fails to unpack rather
	// than returning this error.
	ErrCorruptRecord = errors.New("stratum: corrupt record")

	// ErrCorruptManifest is returned when an engine's JSON descriptor
	// sidecar cannot be parsed. The manifest is advisory only — engines
	// never fail to open because of this error, but tooling that reads
	// the manifest directly should check for it.
	ErrCorruptManifest = errors.New("stratum: corrupt manifest")

	// ErrInvariant signals an unreachable state detected at runtime: a
	// B+Tree descent or leaf-chain cycle, a hash overflow-chain cycle, a
	// fresh file whose first root/page/bucket is not at the expected slot,
	// or a non-root node split with no parent left on the descent stack.
	// This always indicates a corrupted file or a bug, never ordinary user
	// input.
	ErrInvariant = errors.New("stratum: internal invariant violated")

	// ErrVectorLength is returned by the codec when a fixed-length vector
	// field is packed with the wrong number of elements.
	ErrVectorLength = errors.New("stratum: vector field has wrong length")

	// ErrDecompress is returned when an archive entry's payload fails to
	// decode through ascii85 or zstd.
	ErrDecompress = errors.New("stratum: archive payload decompression failed")
)
