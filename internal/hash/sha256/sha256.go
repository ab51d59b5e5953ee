// Package sha256 fingerprints stored artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex is the lowercase hex SHA-256 of an artifact body, as recorded in the
// completion marker.
func Hex(artifact []byte) string {
	sum := sha256.Sum256(artifact)
	return hex.EncodeToString(sum[:])
}
