package vault

import (
	"context"
	"fmt"

	"rewind/internal/config"
	"rewind/internal/rewind"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// It returns nil for type "none": snapshots then stay local only.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (rewind.Vault, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "memory":
		return NewMemoryVault(), nil
	case "s3":
		v, err := NewS3Vault(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
