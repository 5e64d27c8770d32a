// Package stratum provides three on-disk index engines over a shared,
// schema-parameterized fixed-record codec: a B+Tree with leaf chaining,
// an Extendible Hashing file with a directory and bucket chains, and a
// Sequential File with a sorted primary region and an auxiliary overflow
// region reconciled by periodic reconstruction.
//
// Each engine treats its backing files as arrays of fixed-size slots
// addressed by a 0-based integer index ("arena + index"): allocation
// appends a zero-initialised slot at end-of-file and returns its
// position. No engine frees a slot once allocated — deletion either
// removes the record from its page or bucket in place, sets a tombstone
// byte in the Sequential File's main file, or, for the Sequential File
// only, is resolved by reconstruction, which is the one place physical
// compaction happens.
//
// An engine instance owns its backing files exclusively for its process
// lifetime; the caller is responsible for serialising calls on a given
// instance. An OS-level advisory lock additionally guards against a
// second process touching the same files concurrently.
package stratum
