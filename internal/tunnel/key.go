package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeySize is the number of random bytes in a generated key.
const KeySize = 32

// GenerateKey returns a new random KCP key as lowercase hex.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
