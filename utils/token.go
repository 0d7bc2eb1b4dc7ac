package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewRunToken generates the per-run bearer token handed to the guest:
// 32 random bytes, hex encoded.
func NewRunToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate run token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
