// Engine descriptor manifest.
//
// spec.md's Design Notes retire R/M/KEY_LEN from process-wide globals to
// "construction-time parameters of each engine instance, stored in an
// in-memory engine descriptor, never relied on as globals." We go one
// step further for operability: that descriptor is also mirrored to a
// JSON sidecar file next to the data files, using the same
// goccy/go-json library the teacher repo uses for its header. This is
// pure introspection — tooling can read `<name>.manifest.json` to see
// what parameters a file was built with without parsing the binary
// layout — and is never read back by the engine itself to make a
// decision; only the Config passed to the constructor governs behavior.
// A missing or corrupt manifest therefore never prevents an engine from
// opening.
package stratum

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Manifest describes the construction-time parameters and identity of
// an engine instance, as of its most recent write.
type Manifest struct {
	Engine    string `json:"engine"` // "btree", "hash", or "seqfile"
	Version   int    `json:"version"`
	Timestamp int64  `json:"ts"`

	R      int `json:"r,omitempty"`       // B+Tree fanout
	M      int `json:"m,omitempty"`       // B+Tree/Hash page or bucket capacity
	KeyLen int `json:"key_len,omitempty"` // B+Tree key width

	HashAlgorithm int `json:"hash_algorithm,omitempty"`
	GlobalDepth   int `json:"global_depth,omitempty"` // Hash directory depth, updated on doubling/rehash

	KFloor int `json:"k_floor,omitempty"` // Sequential File reconstruction floor
}

const manifestVersion = 1

func writeManifest(root *os.Root, name string, m Manifest) error {
	m.Version = manifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("stratum: encode manifest: %w", err)
	}
	if err := root.WriteFile(name, data, 0644); err != nil {
		return fmt.Errorf("stratum: write manifest %s: %w", name, err)
	}
	return nil
}

// readManifest is exposed for tooling/tests; engines never call it to
// make a runtime decision.
func readManifest(root *os.Root, name string) (*Manifest, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("stratum: open manifest %s: %w", name, err)
	}
	defer f.Close()

	var m Manifest
	dec := json.NewDecoder(f)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptManifest, name, err)
	}
	return &m, nil
}
