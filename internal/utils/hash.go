// Package utils provides common utility functions.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the hex-encoded SHA-256 digest of the input.
func SHA256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short 32-hex-character fingerprint of the input,
// suitable for log correlation without revealing the original value.
func Fingerprint(data string) string {
	return SHA256Hex(data)[:32]
}
