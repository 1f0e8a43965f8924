package encryption

import (
	"fmt"

	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (freeze.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("%w: unknown encryption type: %q", freeze.ErrArgument, cfg.Type)
	}
}
