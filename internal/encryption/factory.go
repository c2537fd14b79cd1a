package encryption

import (
	"fmt"

	"rewind/internal/config"
	"rewind/internal/rewind"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// It returns nil for type "none": archives are then written unencrypted.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (rewind.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
