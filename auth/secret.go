package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenEntropyBytes gives codes and tokens 256 bits of entropy.
const tokenEntropyBytes = 32

// GenerateToken returns an unguessable opaque value for codes and tokens.
func GenerateToken() (string, error) {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenPrefix returns a loggable prefix of a secret value.
func TokenPrefix(v string) string {
	const n = 8
	if len(v) <= n {
		return v
	}
	return v[:n]
}
