package freeze

import (
	"context"
	"io"
)

// SpoolArea holds ciphertext between encryption and upload. Uploads may be
// retried, so the transmitted bytes must be rewindable.
type SpoolArea interface {
	// Spool copies r into the area while hashing it with algorithm. When
	// other spools hold the space it needs, Spool waits for them to close
	// or for ctx to end. Read failures and content larger than the whole
	// area wrap ErrIO.
	Spool(ctx context.Context, r io.Reader, algorithm string) (Spooled, error)

	// Size returns the bytes currently held by open spools.
	Size() int64
}

// Spooled is one buffered stream. Close releases its storage.
type Spooled interface {
	io.ReadSeeker
	io.Closer
	Size() int64
	Hash() Hash
}

// ContentOf adapts s for Storage.Upload.
func ContentOf(s Spooled) *Content {
	return &Content{Reader: s, Size: s.Size(), Hash: s.Hash()}
}
