package testutil

import (
	"rewind/internal/archive"
	"rewind/internal/encryption"
	"rewind/internal/rewind"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}

// NewEncryptedArchiver returns an archiver that writes test-encrypted
// archives and can read them back without a passphrase.
func NewEncryptedArchiver() *archive.Archiver {
	enc := encryption.NewTestEncryptor()
	return archive.NewArchiver(enc, func() (rewind.DecryptionContext, error) {
		return enc.Unlock("")
	}, nil)
}
