package testutil

import (
	"testing"

	"rewind/internal/catalog"
)

// NewTestCatalog creates an in-memory catalog with schema applied.
// The catalog is closed when the test completes.
func NewTestCatalog(t *testing.T) *catalog.SQLiteCatalog {
	t.Helper()

	c, err := catalog.NewSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
