// Package sha256 provides content hashing helpers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes hex-encoded SHA-256 digests.
type Hasher struct{}

// New creates a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the hex digest of data.
func (Hasher) Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}
