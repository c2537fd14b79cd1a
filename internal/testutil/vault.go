package testutil

import (
	"rewind/internal/rewind"
	"rewind/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault()
}

var _ rewind.Vault = (*vault.MemoryVault)(nil)
