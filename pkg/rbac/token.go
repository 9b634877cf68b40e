package rbac

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix identifies API tokens issued by this service
	TokenPrefix = "tnc_"
	// tokenBytes is the amount of randomness in a token
	tokenBytes = 32
)

// GenerateToken returns a new API token, the hash to store and a short
// prefix for display.
// Format: tnc_<base64url(32 random bytes)>
func GenerateToken() (token, hash, prefix string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	token = TokenPrefix + encoded
	return token, HashToken(token), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA256 hash used to look a token up
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateTokenFormat checks the prefix and encoding of token
func ValidateTokenFormat(token string) error {
	encoded, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}
