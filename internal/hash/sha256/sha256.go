// Package sha256 fingerprints sitemap bodies for snapshot deduplication.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Hasher implements monitor.Hasher using SHA-256.
//
// A leading byte order mark and surrounding whitespace are ignored, so a
// server that re-serializes an identical document with a trailing newline
// does not produce a new snapshot.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of the normalized body.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(normalize(data))
	return hex.EncodeToString(sum[:]), nil
}

func normalize(data []byte) []byte {
	return bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
}
