package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// GenerateRefreshToken returns 64 bytes of cryptographically secure
// randomness as an opaque base64 string. The raw token is handed to the
// client exactly once; only its hash is persisted.
func GenerateRefreshToken() (string, error) {
	return GenerateSecureToken(64)
}

// GenerateSecureToken returns n random bytes base64-encoded without padding.
func GenerateSecureToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the SHA-256 hex digest used to store opaque tokens at
// rest (refresh tokens, confirmation and reset tokens).
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
