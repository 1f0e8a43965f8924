package freeze

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Digest algorithm tags. The tag travels with every Hash so digests produced
// by different backends never compare equal by accident.
const (
	AlgSHA1       = "SHA1"
	AlgSHA256     = "SHA256"
	AlgBLAKE2b256 = "BLAKE2B-256"
)

// Hash is an immutable digest value: an algorithm tag plus raw digest bytes.
// The zero value (and any Hash with an empty digest) means "unknown".
type Hash struct {
	alg    string
	digest []byte
}

// NewHash creates a Hash. The digest is copied.
func NewHash(algorithm string, digest []byte) Hash {
	return Hash{alg: algorithm, digest: bytes.Clone(digest)}
}

// NewHashHex creates a Hash from a hex-encoded digest.
func NewHashHex(algorithm, hexDigest string) (Hash, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexDigest))
	if err != nil {
		return Hash{}, fmt.Errorf("%w: decoding %s digest: %v", ErrArgument, algorithm, err)
	}
	return Hash{alg: algorithm, digest: raw}, nil
}

// ParseHash parses the "ALG:hex" form produced by String.
// An empty string parses to the zero Hash.
func ParseHash(s string) (Hash, error) {
	if s == "" {
		return Hash{}, nil
	}
	alg, hexDigest, ok := strings.Cut(s, ":")
	if !ok || alg == "" {
		return Hash{}, fmt.Errorf("%w: malformed hash %q", ErrArgument, s)
	}
	return NewHashHex(alg, hexDigest)
}

// Algorithm returns the algorithm tag.
func (h Hash) Algorithm() string { return h.alg }

// Digest returns a copy of the raw digest bytes.
func (h Hash) Digest() []byte { return bytes.Clone(h.digest) }

// IsZero reports whether the digest is absent.
func (h Hash) IsZero() bool { return len(h.digest) == 0 }

// Equal reports whether both the algorithm and the digest bytes match.
func (h Hash) Equal(other Hash) bool {
	return h.alg == other.alg && bytes.Equal(h.digest, other.digest)
}

// Hex returns the lowercase hex form of the digest.
func (h Hash) Hex() string { return hex.EncodeToString(h.digest) }

// String returns "ALG:hex", or "" for a Hash without algorithm and digest.
func (h Hash) String() string {
	if h.alg == "" && len(h.digest) == 0 {
		return ""
	}
	return h.alg + ":" + h.Hex()
}

// NewHasher returns a hash.Hash for a known algorithm tag.
func NewHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgSHA1:
		return sha1.New(), nil
	case AlgSHA256:
		return sha256.New(), nil
	case AlgBLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: unknown hash algorithm %q", ErrArgument, algorithm)
	}
}

// Sum returns the Hash of h's current state tagged with algorithm.
func Sum(algorithm string, h hash.Hash) Hash {
	return Hash{alg: algorithm, digest: h.Sum(nil)}
}
