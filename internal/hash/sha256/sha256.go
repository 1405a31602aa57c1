// Package sha256 fingerprints sitemap documents so unchanged bodies can be skipped
// when an origin sends no cache validators.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Unchanged digests data and reports whether it matches previous.
// An empty previous digest never matches.
func Unchanged(previous string, data []byte) (string, bool) {
	digest := Sum(data)
	return digest, previous != "" && previous == digest
}
