package testutil

import (
	"github.com/CodeFork/b2-autopush/internal/encryption"
)

// NewTestEncryptor returns the deterministic test encryptor.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
