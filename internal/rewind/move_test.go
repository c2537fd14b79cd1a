package rewind

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMoveTree(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "srv", "data")
	to := filepath.Join(dir, "mnt", "big", "data")
	if err := os.MkdirAll(filepath.Join(from, "stacks", "gitea"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(from, "stacks", "gitea", "app.ini"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := moveTree(from, to); err != nil {
		t.Fatalf("moveTree() error = %v", err)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Errorf("source still exists: %v", err)
	}
	info, err := os.Stat(filepath.Join(to, "stacks", "gitea", "app.ini"))
	if err != nil {
		t.Fatalf("moved file: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestMoveTree_refusesNonEmptyDestination(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a")
	to := filepath.Join(dir, "b")
	for _, p := range []string{from, to} {
		if err := os.MkdirAll(p, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(to, "keep"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := moveTree(from, to); err == nil {
		t.Fatal("moveTree() into a non-empty directory succeeded")
	}
	if _, err := os.Stat(from); err != nil {
		t.Errorf("source removed after refused move: %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "from")
	to := filepath.Join(dir, "to")
	if err := os.MkdirAll(filepath.Join(from, "private"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(from, "private", "key"), []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("private/key", filepath.Join(from, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(from, "private"), 0500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Chmod(filepath.Join(from, "private"), 0700)
		os.Chmod(filepath.Join(to, "private"), 0700)
	})

	if err := copyTree(from, to); err != nil {
		t.Fatalf("copyTree() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(to, "private", "key"))
	if err != nil || string(data) != "secret" {
		t.Errorf("copied file = %q, %v", data, err)
	}
	if target, err := os.Readlink(filepath.Join(to, "link")); err != nil || target != "private/key" {
		t.Errorf("symlink = %q, %v", target, err)
	}
	info, err := os.Stat(filepath.Join(to, "private"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0500 {
		t.Errorf("directory mode = %v, want 0500 applied after its children", info.Mode().Perm())
	}
}

func TestRewriteDescriptor(t *testing.T) {
	mapping := RootMapping{{From: "/srv/data", To: "/mnt/big/data"}}
	d := StackDescriptor{
		Name:           "media",
		ProjectPath:    "/srv/data/portainer/compose/4",
		ComposeContent: "services:\n  app:\n    image: jellyfin\n    volumes:\n      - /srv/data/media:/media\n      - cache:/cache\n",
		Env: []EnvVar{
			{Name: "MEDIA_DIR", Value: "/srv/data/media"},
			{Name: "TZ", Value: "Europe/Berlin"},
			{Name: "OTHER", Value: "/opt/tool"},
		},
	}

	got, err := rewriteDescriptor(d, mapping)
	if err != nil {
		t.Fatalf("rewriteDescriptor() error = %v", err)
	}
	if got.ProjectPath != "/mnt/big/data/portainer/compose/4" {
		t.Errorf("ProjectPath = %q", got.ProjectPath)
	}
	if want := "      - /mnt/big/data/media:/media\n"; !strings.Contains(got.ComposeContent, want) {
		t.Errorf("compose not rewritten:\n%s", got.ComposeContent)
	}
	if !strings.Contains(got.ComposeContent, "cache:/cache") {
		t.Errorf("named volume changed:\n%s", got.ComposeContent)
	}
	wantEnv := []EnvVar{
		{Name: "MEDIA_DIR", Value: "/mnt/big/data/media"},
		{Name: "TZ", Value: "Europe/Berlin"},
		{Name: "OTHER", Value: "/opt/tool"},
	}
	if !envEqual(got.Env, wantEnv) {
		t.Errorf("Env = %+v, want %+v", got.Env, wantEnv)
	}
	if d.Env[0].Value != "/srv/data/media" {
		t.Error("rewriteDescriptor modified its input")
	}
}
