// Package shared provides utility functions for random byte generation and
// secure memory wiping.
package shared

import "crypto/rand"

// MakeRandByteArray returns size cryptographically random bytes.
// It returns an error if the random number generator fails.
func MakeRandByteArray(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// This is useful for removing sensitive data such as cryptographic keys from
// memory after use.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}
