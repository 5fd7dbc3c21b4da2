package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandomHex returns n cryptographically random bytes, hex encoded (2n characters).
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", WrapErrorForLog("util", "RandomHex", fmt.Errorf("failed to read random bytes: %w", err))
	}
	return hex.EncodeToString(b), nil
}
