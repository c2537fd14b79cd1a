package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"rewind/internal/encryption"
	"rewind/internal/rewind"
)

// buildTree creates a small data root exercising every entry kind the
// archiver preserves.
func buildTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "srv", "data")
	mustMkdir(t, filepath.Join(root, "stacks", "media", "config"), 0755)
	mustMkdir(t, filepath.Join(root, "stacks", "empty"), 0755)
	mustWrite(t, filepath.Join(root, "stacks", "media", "compose.yml"), "services: {}\n", 0644)
	mustWrite(t, filepath.Join(root, "stacks", "media", "config", "secret.env"), "TOKEN=1\n", 0600)
	mustWrite(t, filepath.Join(root, "stacks", "media", "config", "readonly"), "ro", 0400)
	if err := os.Symlink("compose.yml", filepath.Join(root, "stacks", "media", "current.yml")); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, "stacks", "media", "compose.yml"), filepath.Join(root, "stacks", "media", "hardlink.yml")); err != nil {
		t.Fatal(err)
	}
	// Restrictive directory modes are applied last on extraction.
	if err := os.Chmod(filepath.Join(root, "stacks", "media", "config"), 0500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(filepath.Join(root, "stacks", "media", "config"), 0755) })
	return root
}

func mustMkdir(t *testing.T, p string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(p, mode); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, p, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
}

var testSide = []rewind.SideFile{
	{Name: rewind.MetadataFileName, Content: []byte(`{"roots":[]}`)},
	{Name: rewind.StackStateFileName, Content: []byte(`{"version":2,"stacks":[]}`)},
}

func TestArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := buildTree(t)
	a := NewArchiver(nil, nil, nil)

	dest := filepath.Join(t.TempDir(), "rewind-20260301T020000Z.tar.gz")
	ref, err := a.Create(ctx, dest, []string{src}, testSide)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ref.Size == 0 || ref.Encrypted {
		t.Errorf("Create() ref = %+v, want non-empty plaintext archive", ref)
	}
	if _, err := os.Stat(dest + rewind.PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("temporary archive left behind: %v", err)
	}

	// A hostile umask must not change restored modes.
	old := syscall.Umask(0077)
	defer syscall.Umask(old)

	out := t.TempDir()
	tree, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if tree.Entries == 0 {
		t.Error("Extract() reported no entries")
	}
	defer os.Chmod(filepath.Join(out, src, "stacks", "media", "config"), 0755)

	restored := filepath.Join(out, src)
	tests := []struct {
		rel     string
		mode    os.FileMode
		content string
	}{
		{rel: "stacks/media/compose.yml", mode: 0644, content: "services: {}\n"},
		{rel: "stacks/media/config/secret.env", mode: 0600, content: "TOKEN=1\n"},
		{rel: "stacks/media/config/readonly", mode: 0400, content: "ro"},
		{rel: "stacks/media/config", mode: os.ModeDir | 0500},
		{rel: "stacks/empty", mode: os.ModeDir | 0755},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			p := filepath.Join(restored, tt.rel)
			info, err := os.Lstat(p)
			if err != nil {
				t.Fatalf("Lstat() error = %v", err)
			}
			if info.Mode() != tt.mode {
				t.Errorf("mode = %v, want %v", info.Mode(), tt.mode)
			}
			if tt.content != "" {
				data, err := os.ReadFile(p)
				if err != nil {
					t.Fatalf("ReadFile() error = %v", err)
				}
				if string(data) != tt.content {
					t.Errorf("content = %q, want %q", data, tt.content)
				}
			}
		})
	}

	link, err := os.Readlink(filepath.Join(restored, "stacks", "media", "current.yml"))
	if err != nil || link != "compose.yml" {
		t.Errorf("symlink = %q, %v; want compose.yml", link, err)
	}

	a1, _ := os.Stat(filepath.Join(restored, "stacks", "media", "compose.yml"))
	a2, _ := os.Stat(filepath.Join(restored, "stacks", "media", "hardlink.yml"))
	if !os.SameFile(a1, a2) {
		t.Error("hardlink was not preserved")
	}

	srcInfo, _ := os.Stat(filepath.Join(src, "stacks", "media", "compose.yml"))
	if !a1.ModTime().Equal(srcInfo.ModTime()) {
		t.Errorf("mtime = %v, want %v", a1.ModTime(), srcInfo.ModTime())
	}
}

func TestArchiver_ReadSideFiles(t *testing.T) {
	ctx := context.Background()
	a := NewArchiver(nil, nil, nil)
	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{buildTree(t)}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	side, err := a.ReadSideFiles(ctx, dest)
	if err != nil {
		t.Fatalf("ReadSideFiles() error = %v", err)
	}
	if len(side) != 2 {
		t.Fatalf("len(side) = %d, want 2", len(side))
	}
	if string(side[rewind.StackStateFileName]) != string(testSide[1].Content) {
		t.Errorf("stack state = %q", side[rewind.StackStateFileName])
	}
}

func TestArchiver_EncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	enc := encryption.NewTestEncryptor()
	unlocks := 0
	a := NewArchiver(enc, func() (rewind.DecryptionContext, error) {
		unlocks++
		return enc.Unlock("")
	}, nil)

	src := buildTree(t)
	dest := filepath.Join(t.TempDir(), "rewind-20260301T020000Z"+rewind.EncryptedArchiveExt)
	ref, err := a.Create(ctx, dest, []string{src}, testSide)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !ref.Encrypted {
		t.Error("ref.Encrypted = false, want true")
	}

	if err := a.Verify(ctx, dest); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	out := t.TempDir()
	if _, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	defer os.Chmod(filepath.Join(out, src, "stacks", "media", "config"), 0755)
	if _, err := os.Stat(filepath.Join(out, src, "stacks", "media", "compose.yml")); err != nil {
		t.Errorf("compose.yml not restored: %v", err)
	}
	if unlocks != 1 {
		t.Errorf("unlock called %d times, want 1", unlocks)
	}

	plain := NewArchiver(nil, nil, nil)
	if _, err := plain.ReadSideFiles(ctx, dest); err == nil {
		t.Error("ReadSideFiles() without key expected error")
	}
}

func TestArchiver_VerifyDetectsTruncation(t *testing.T) {
	ctx := context.Background()
	a := NewArchiver(nil, nil, nil)
	src := buildTree(t)
	mustWrite(t, filepath.Join(src, "big.bin"), strings.Repeat("0123456789abcdef", 8192), 0644)

	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	ref, err := a.Create(ctx, dest, []string{src}, testSide)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := a.Verify(ctx, dest); err != nil {
		t.Fatalf("Verify() on intact archive error = %v", err)
	}

	if err := os.Truncate(dest, ref.Size/2); err != nil {
		t.Fatal(err)
	}
	if err := a.Verify(ctx, dest); err == nil {
		t.Error("Verify() on truncated archive expected error")
	}
}

func TestArchiver_CreateFailureLeavesNothing(t *testing.T) {
	a := NewArchiver(nil, nil, nil)
	dir := t.TempDir()
	dest := filepath.Join(dir, "snap.tar.gz")

	_, err := a.Create(context.Background(), dest, []string{filepath.Join(dir, "missing")}, testSide)
	if err == nil {
		t.Fatal("Create() with missing root expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("backup dir has %d entries after failure, want 0", len(entries))
	}
}

func TestArchiver_ExtractWithMapping(t *testing.T) {
	ctx := context.Background()
	a := NewArchiver(nil, nil, nil)
	src := buildTree(t)
	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{src}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	moved := "/mnt/big/data"
	out := t.TempDir()
	_, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{
		Mapping: rewind.RootMapping{{From: src, To: moved}},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	defer os.Chmod(filepath.Join(out, moved, "stacks", "media", "config"), 0755)

	if _, err := os.Stat(filepath.Join(out, moved, "stacks", "media", "compose.yml")); err != nil {
		t.Errorf("mapped file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, src)); !os.IsNotExist(err) {
		t.Errorf("original location populated: %v", err)
	}
}

func TestArchiver_ExtractRefusesEscape(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	content := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "srv/../../../escape.txt", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	tw.Write(content)
	tw.Close()
	zw.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out")
	a := NewArchiver(nil, nil, nil)
	if _, err := a.Extract(context.Background(), path, out, rewind.ExtractOptions{}); err == nil {
		t.Fatal("Extract() expected error for escaping path")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping entry was written")
	}
}

func TestArchiver_ExtractReplacesSymlinkInsteadOfFollowing(t *testing.T) {
	ctx := context.Background()
	a := NewArchiver(nil, nil, nil)
	src := filepath.Join(t.TempDir(), "root")
	mustMkdir(t, src, 0755)
	mustWrite(t, filepath.Join(src, "config"), "new", 0644)

	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{src}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out := t.TempDir()
	outside := filepath.Join(t.TempDir(), "victim")
	mustWrite(t, outside, "untouched", 0644)
	mustMkdir(t, filepath.Join(out, src), 0755)
	if err := os.Symlink(outside, filepath.Join(out, src, "config")); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	data, _ := os.ReadFile(outside)
	if string(data) != "untouched" {
		t.Errorf("symlink target was overwritten: %q", data)
	}
	info, _ := os.Lstat(filepath.Join(out, src, "config"))
	if !info.Mode().IsRegular() {
		t.Errorf("config mode = %v, want regular file", info.Mode())
	}
}

func TestArchiver_Excludes(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "data")
	mustMkdir(t, filepath.Join(src, "stacks", "media", "cache"), 0755)
	mustWrite(t, filepath.Join(src, "stacks", "media", "cache", "thumb.jpg"), "x", 0644)
	mustWrite(t, filepath.Join(src, "stacks", "media", "compose.yml"), "services: {}\n", 0644)
	mustWrite(t, filepath.Join(src, "stacks", "media", "run.pid"), "1", 0644)
	mustWrite(t, filepath.Join(src, ".rewindignore"), "*.pid\n", 0644)

	a := NewArchiver(nil, nil, nil)
	a.SetExcludes([]string{"cache"})
	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{src}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	out := t.TempDir()
	if _, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	restored := filepath.Join(out, src)
	for _, rel := range []string{"stacks/media/compose.yml", ".rewindignore"} {
		if _, err := os.Stat(filepath.Join(restored, rel)); err != nil {
			t.Errorf("%s missing: %v", rel, err)
		}
	}
	for _, rel := range []string{"stacks/media/cache", "stacks/media/run.pid"} {
		if _, err := os.Stat(filepath.Join(restored, rel)); !os.IsNotExist(err) {
			t.Errorf("%s should be excluded, stat err = %v", rel, err)
		}
	}
}

func TestArchiver_RoundTripOwnership(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("restoring arbitrary owners needs root")
	}
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "srv")
	mustMkdir(t, filepath.Join(src, "stacks", "db"), 0750)
	mustWrite(t, filepath.Join(src, "stacks", "db", "pg.conf"), "max_connections=10\n", 0640)

	owners := map[string][2]int{
		"stacks/db":         {2345, 6789},
		"stacks/db/pg.conf": {1234, 5678},
	}
	for rel, id := range owners {
		if err := os.Lchown(filepath.Join(src, rel), id[0], id[1]); err != nil {
			t.Fatal(err)
		}
	}

	a := NewArchiver(nil, nil, nil)
	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{src}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	out := t.TempDir()
	if _, err := a.Extract(ctx, dest, out, rewind.ExtractOptions{SameOwner: true}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	for rel, id := range owners {
		info, err := os.Lstat(filepath.Join(out, src, rel))
		if err != nil {
			t.Fatal(err)
		}
		st := info.Sys().(*syscall.Stat_t)
		if int(st.Uid) != id[0] || int(st.Gid) != id[1] {
			t.Errorf("%s owner = %d:%d, want %d:%d", rel, st.Uid, st.Gid, id[0], id[1])
		}
	}
}

func TestArchiver_CreateRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "disk.img")
	mustWrite(t, root, "data", 0644)

	a := NewArchiver(nil, nil, nil)
	_, err := a.Create(context.Background(), filepath.Join(dir, "snap.tar.gz"), []string{root}, testSide)
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("Create() error = %v, want not a directory", err)
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestArchiver_SideFilesUseClock(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	a := NewArchiver(nil, nil, nil)
	a.SetClock(fixedClock(stamp))

	dest := filepath.Join(t.TempDir(), "snap.tar.gz")
	if _, err := a.Create(ctx, dest, []string{buildTree(t)}, testSide); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tr, closer, err := a.open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != rewind.MetadataFileName || !hdr.ModTime.Equal(stamp) {
		t.Errorf("first entry = %s at %v, want %s at %v", hdr.Name, hdr.ModTime, rewind.MetadataFileName, stamp)
	}
}

func TestArchiver_ExtractRejectsUnknownEntryType(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeCont, Name: "srv/contiguous", Mode: 0644}); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	zw.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "odd.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewArchiver(nil, nil, nil).Extract(context.Background(), path, filepath.Join(dir, "out"), rewind.ExtractOptions{})
	if err == nil || !strings.Contains(err.Error(), "unsupported entry type") {
		t.Errorf("Extract() error = %v, want unsupported entry type", err)
	}
}
