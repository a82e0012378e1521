package usecase

import (
	"crypto/rand"
	"encoding/hex"
)

// generateSecret generates a random per-session signing secret.
func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
