// Package sha256 digests rendered images so responses can carry an ETag.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ETag formats the digest of data as a strong entity tag.
func (h *Hasher) ETag(data []byte) (string, error) {
	digest, err := h.Hash(data)
	if err != nil {
		return "", err
	}
	return `"` + digest + `"`, nil
}
