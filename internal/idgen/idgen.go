// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "ofr_", "deal_".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns numBytes random bytes hex-encoded. Nonces and session tokens
// use 32.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}
