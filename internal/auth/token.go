package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes yields >=128 bits of entropy per spec.md §4.2 (24 raw bytes
// = 192 bits, comfortably above the floor).
const tokenBytes = 24

// GenerateToken returns a URL-safe, unpadded base64 encoding of a
// cryptographically random 192-bit value. Used for both session bearer
// tokens and CSRF tokens.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
