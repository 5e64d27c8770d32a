// Shared test fixtures: a tagged record type and small helpers used
// across the B+Tree, Extendible Hashing, Sequential File, and codec
// test files. Each engine test creates its own temporary directory via
// t.TempDir() and opens a fresh engine instance against it.
package stratum

import (
	"fmt"
	"testing"
)

// testRecord is a small tagged struct exercising every codec field kind
// except date: a string key, a plain string, an int32, a float32, and a
// fixed vector.
type testRecord struct {
	ID      string    `stratum:"key,string,16"`
	Name    string    `stratum:"string,24"`
	Payload int32     `stratum:"int32"`
	Score   float32   `stratum:"float32"`
	Embed   []float32 `stratum:"vector,4"`
}

func rec(id string, payload int32) testRecord {
	return testRecord{
		ID:      id,
		Name:    "name-" + id,
		Payload: payload,
		Score:   float32(payload) * 1.5,
		Embed:   []float32{1, 2, 3, 4},
	}
}

// keyPad returns a zero-padded key of the given width, e.g. keyPad(7, 3)
// == "K007", matching the S1 seed scenario's "K001".."K100" sequence.
func keyPad(n, width int) string {
	return fmt.Sprintf("K%0*d", width, n)
}

func mustEqualRecord(t *testing.T, got, want testRecord) {
	t.Helper()
	if got.ID != want.ID || got.Name != want.Name || got.Payload != want.Payload || got.Score != want.Score {
		t.Fatalf("record mismatch: got %+v, want %+v", got, want)
	}
}
