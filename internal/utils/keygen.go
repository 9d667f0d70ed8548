package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// APIKeyPrefix marks generated client API keys so they are recognizable
// in configuration and support requests without being guessable.
const APIKeyPrefix = "sk_"

// apiKeyRandomBytes is the entropy carried by each generated key.
const apiKeyRandomBytes = 32

// GenerateAPIKey returns a new random client API key of the form
// "sk_" + base64url(32 random bytes). The raw key is handed to the
// operator exactly once; only its SHA-256 hash is ever persisted.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HasAPIKeyFormat reports whether a string looks like a generated key.
// It checks shape only; validity is decided by the registry.
func HasAPIKeyFormat(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	rest := key[len(APIKeyPrefix):]
	if len(rest) < 16 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(rest)
	return err == nil
}
