package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// AgeEncryptor implements freeze.Encryptor using filippo.io/age with X25519
// keys. The public key is stored in plaintext; the private key is encrypted
// with the user's passphrase using age's scrypt recipient.
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ freeze.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates a new AgeEncryptor from configuration.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a new X25519 key pair, writes the public key in plaintext
// and the private key encrypted with passphrase. Existing keys are not
// overwritten.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: empty passphrase", freeze.ErrArgument)
	}
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%w: key file already exists at %s", freeze.ErrArgument, p)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("%w: creating key directory: %v", freeze.ErrIO, err)
		}
	}

	if err := os.WriteFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: writing public key: %v", freeze.ErrIO, err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	if err := os.WriteFile(e.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("%w: writing private key: %v", freeze.ErrIO, err)
	}
	return nil
}

// Encrypt reads plaintext from r and writes age ciphertext to w for the
// stored public key.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := LoadRecipient(e.publicKeyPath)
	if err != nil {
		return err
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("%w: encrypting data: %v", freeze.ErrIO, err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("%w: finalizing encryption: %v", freeze.ErrIO, err)
	}
	return nil
}

// Unlock decrypts the private key with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (freeze.DecryptionContext, error) {
	privData, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key file: %v", freeze.ErrKey, err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: creating scrypt identity: %v", freeze.ErrKey, err)
	}
	decReader, err := age.Decrypt(bytes.NewReader(privData), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting private key: %v", freeze.ErrKey, err)
	}
	keyData, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading decrypted private key: %v", freeze.ErrKey, err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", freeze.ErrKey, err)
	}
	return &AgeDecryptionContext{identities: identities}, nil
}

// IsConfigured returns true if both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	if _, err := os.Stat(e.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(e.privateKeyPath); err != nil {
		return false
	}
	return true
}

// LoadRecipient reads and parses the public key file at path.
func LoadRecipient(path string) (age.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading public key: %v", freeze.ErrKey, err)
	}
	return ParseRecipient(string(data))
}

// ParseRecipient parses an "age1..." public key. Blank lines and '#'
// comments are skipped; exactly one key must remain.
func ParseRecipient(text string) (age.Recipient, error) {
	recipients, err := age.ParseRecipients(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", freeze.ErrKey, err)
	}
	if len(recipients) != 1 {
		return nil, fmt.Errorf("%w: expected one public key, found %d", freeze.ErrKey, len(recipients))
	}
	return recipients[0], nil
}

// AgeDecryptionContext holds unlocked age identities for one restore.
type AgeDecryptionContext struct {
	identities []age.Identity
}

var _ freeze.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt reads age ciphertext from r and writes plaintext to w. A header
// that no identity opens wraps freeze.ErrKey; a payload that fails
// authentication wraps freeze.ErrIntegrity.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	decReader, err := age.Decrypt(r, c.identities...)
	if err != nil {
		return fmt.Errorf("%w: opening ciphertext: %v", freeze.ErrKey, err)
	}

	out := &trackingWriter{w: w}
	if _, err := io.Copy(out, decReader); err != nil {
		if out.err != nil {
			return fmt.Errorf("%w: writing plaintext: %v", freeze.ErrIO, err)
		}
		return fmt.Errorf("%w: decrypting payload: %v", freeze.ErrIntegrity, err)
	}
	return nil
}

// trackingWriter remembers the first write error so copy failures can be
// attributed to the destination rather than the ciphertext.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}
