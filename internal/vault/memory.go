package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"rewind/internal/rewind"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It keeps every archive in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	archives map[string][]byte
	mu       sync.RWMutex
}

// NewMemoryVault creates a new, empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		archives: make(map[string][]byte),
	}
}

// PutArchive stores an archive under name.
func (m *MemoryVault) PutArchive(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.archives[name] = data
	return nil
}

// GetArchive retrieves an archive by name.
func (m *MemoryVault) GetArchive(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archives[name]
	if !ok {
		return fmt.Errorf("archive not found: %s: %w", name, fs.ErrNotExist)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// DeleteArchive forgets an archive.
func (m *MemoryVault) DeleteArchive(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.archives[name]; !ok {
		return fmt.Errorf("archive not found: %s: %w", name, fs.ErrNotExist)
	}
	delete(m.archives, name)
	return nil
}

// ListArchives returns the stored archive names, sorted.
func (m *MemoryVault) ListArchives(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.archives))
	for name := range m.archives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements rewind.Vault interface
var _ rewind.Vault = (*MemoryVault)(nil)
