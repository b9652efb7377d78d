// Package sha256 fingerprints extracted document content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix tags digests so stored hashes stay self-describing.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns "sha256:" followed by the hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
