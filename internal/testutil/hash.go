package testutil

import (
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// HashOf digests data with algorithm. It panics on an unknown algorithm.
func HashOf(algorithm string, data []byte) freeze.Hash {
	h, err := freeze.NewHasher(algorithm)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return freeze.Sum(algorithm, h)
}

// SHA256 is HashOf with the local change-detection algorithm.
func SHA256(data []byte) freeze.Hash {
	return HashOf(freeze.AlgSHA256, data)
}
