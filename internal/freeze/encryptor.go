package freeze

import "io"

// Encryptor seals file content before it leaves the machine. Encryption uses
// only the public recipient; decryption needs the passphrase-protected
// identity and goes through a DecryptionContext.
type Encryptor interface {
	// Setup generates a key pair and stores the identity encrypted with
	// passphrase. Called once by `autopush keys init`.
	Setup(passphrase string) error

	// Encrypt streams ciphertext of r into w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the identity. A wrong passphrase yields ErrKey.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked identity for one restore session. The
// identity is kept in memory only.
type DecryptionContext interface {
	// Decrypt streams plaintext of r into w. Header failures wrap ErrKey,
	// payload authentication failures wrap ErrIntegrity.
	Decrypt(r io.Reader, w io.Writer) error
}
