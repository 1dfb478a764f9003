package uuidutil

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func New() string {
	return uuid.New().String()
}

// NewToken returns a random hex string of n bytes of entropy.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
