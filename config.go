package stratum

import "go.uber.org/zap"

// Default construction parameters (spec.md §3/§6). Each engine stores its
// own copy of these at construction time rather than reading package
// globals, so two engine instances in the same process can run with
// different parameters and a file's on-disk geometry is always governed
// by whatever the opening call configured, not whatever happened to be
// compiled in.
const (
	DefaultFanout  = 40 // R: index node fanout
	DefaultPage    = 20 // M: leaf/bucket record capacity
	DefaultKeyLen  = 30 // KEY_LEN: bytes reserved for a B+Tree key slot
	DefaultKFloor  = 10 // floor on the Sequential File's reconstruction threshold k
)

// Config holds options shared by all three engines.
type Config struct {
	// HashAlgorithm selects the stable hash used by the Extendible
	// Hashing engine for directory placement (AlgXXHash3 by default).
	// Ignored by the B+Tree and Sequential File engines.
	HashAlgorithm int

	// SyncWrites is accepted but not read by any engine: writes are never
	// followed by fsync, whatever its value. spec.md treats crash recovery
	// beyond per-page OS atomicity as a non-goal.
	SyncWrites bool

	// Logger receives structured logs for split/doubling/reconstruction
	// events. A nil Logger is treated as zap.NewNop().
	Logger *zap.Logger
}

func (c Config) hashAlgorithm() int {
	if c.HashAlgorithm == 0 {
		return AlgXXHash3
	}
	return c.HashAlgorithm
}

func (c Config) log() *zap.Logger {
	return logger(c.Logger)
}

// BTreeConfig configures a B+Tree engine instance.
type BTreeConfig struct {
	Config
	R      int // index node fanout, default DefaultFanout
	M      int // leaf page capacity, default DefaultPage
	KeyLen int // bytes reserved per key, default DefaultKeyLen
}

func (c BTreeConfig) normalize() BTreeConfig {
	if c.R <= 0 {
		c.R = DefaultFanout
	}
	if c.M <= 0 {
		c.M = DefaultPage
	}
	if c.KeyLen <= 0 {
		c.KeyLen = DefaultKeyLen
	}
	return c
}

// HashConfig configures an Extendible Hashing engine instance.
type HashConfig struct {
	Config
	M int // bucket record capacity, default DefaultPage
}

func (c HashConfig) normalize() HashConfig {
	if c.M <= 0 {
		c.M = DefaultPage
	}
	return c
}

// SeqConfig configures a Sequential File engine instance.
type SeqConfig struct {
	Config
	KFloor int // floor on the reconstruction threshold, default DefaultKFloor
}

func (c SeqConfig) normalize() SeqConfig {
	if c.KFloor <= 0 {
		c.KFloor = DefaultKFloor
	}
	return c
}
