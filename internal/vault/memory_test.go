package vault

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
)

func TestMemoryVault_PutAndGetArchive(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault()

	tests := []struct {
		name    string
		archive string
		content string
	}{
		{name: "store and retrieve archive", archive: "a.tar.gz", content: "hello world"},
		{name: "store empty archive", archive: "empty.tar.gz", content: ""},
		{name: "store large archive", archive: "large.tar.gz", content: strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := vault.PutArchive(ctx, tt.archive, strings.NewReader(tt.content), int64(len(tt.content))); err != nil {
				t.Fatalf("PutArchive() error = %v", err)
			}

			var buf bytes.Buffer
			if err := vault.GetArchive(ctx, tt.archive, &buf); err != nil {
				t.Fatalf("GetArchive() unexpected error: %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetArchive() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestMemoryVault_SizeMismatch(t *testing.T) {
	vault := NewMemoryVault()
	err := vault.PutArchive(context.Background(), "a.tar.gz", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("PutArchive() expected size mismatch error")
	}
	if names, _ := vault.ListArchives(context.Background()); len(names) != 0 {
		t.Errorf("ListArchives() = %v, want none after failed put", names)
	}
}

func TestMemoryVault_NotFound(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault()

	var buf bytes.Buffer
	if err := vault.GetArchive(ctx, "missing", &buf); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("GetArchive() error = %v, want fs.ErrNotExist", err)
	}
	if err := vault.DeleteArchive(ctx, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("DeleteArchive() error = %v, want fs.ErrNotExist", err)
	}
}

func TestMemoryVault_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault()
	for _, n := range []string{"b", "a", "c"} {
		if err := vault.PutArchive(ctx, n, strings.NewReader(n), 1); err != nil {
			t.Fatalf("PutArchive(%s) error = %v", n, err)
		}
	}
	if err := vault.DeleteArchive(ctx, "b"); err != nil {
		t.Fatalf("DeleteArchive() error = %v", err)
	}

	got, err := vault.ListArchives(ctx)
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if strings.Join(got, ",") != "a,c" {
		t.Errorf("ListArchives() = %v, want [a c]", got)
	}
}

func TestMemoryVault_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := strings.Repeat("n", i+1)
			if err := vault.PutArchive(ctx, name, strings.NewReader(name), int64(len(name))); err != nil {
				t.Errorf("PutArchive() error = %v", err)
			}
			var buf bytes.Buffer
			if err := vault.GetArchive(ctx, name, &buf); err != nil {
				t.Errorf("GetArchive() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	names, _ := vault.ListArchives(ctx)
	if len(names) != 20 {
		t.Errorf("len(ListArchives()) = %d, want 20", len(names))
	}
}

func TestMemoryVault_ValidateSetup(t *testing.T) {
	if err := NewMemoryVault().ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
