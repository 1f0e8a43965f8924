package encryption

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// testHeader is prepended by TestEncryptor so ciphertext differs from
// plaintext while staying deterministic.
var testHeader = []byte("APENC\x00\x00\x01")

// TestEncryptor is a deterministic encryptor for tests. It writes a fixed
// header, the plaintext, and a SHA256 trailer of the plaintext. No key
// material is involved; if Setup was called, Unlock requires the same
// passphrase.
type TestEncryptor struct {
	mu          sync.Mutex
	setupCalled bool
	passphrase  string
}

var _ freeze.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setupCalled = true
	e.passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		return fmt.Errorf("%w: copying data: %v", freeze.ErrIO, err)
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("writing test trailer: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (freeze.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setupCalled && passphrase != e.passphrase {
		return nil, fmt.Errorf("%w: wrong passphrase", freeze.ErrKey)
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ freeze.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: reading test header: %v", freeze.ErrKey, err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("%w: invalid test encryption header", freeze.ErrKey)
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading payload: %v", freeze.ErrIntegrity, err)
	}
	if len(rest) < sha256.Size {
		return fmt.Errorf("%w: payload truncated", freeze.ErrIntegrity)
	}
	body, trailer := rest[:len(rest)-sha256.Size], rest[len(rest)-sha256.Size:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return fmt.Errorf("%w: payload checksum mismatch", freeze.ErrIntegrity)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: writing plaintext: %v", freeze.ErrIO, err)
	}
	return nil
}
