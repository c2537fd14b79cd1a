package rewind

import (
	"io/fs"
	"strings"
	"testing"
)

func TestRootMapping_Map(t *testing.T) {
	mapping := RootMapping{
		{From: "/srv/data", To: "/mnt/big/data"},
		{From: "/srv/data/stacks", To: "/fast/stacks"},
	}

	tests := []struct {
		in, want string
	}{
		{"/srv/data", "/mnt/big/data"},
		{"/srv/data/media/film.mkv", "/mnt/big/data/media/film.mkv"},
		{"/srv/data/stacks/gitea", "/fast/stacks/gitea"},
		{"/srv/database", "/srv/database"},
		{"/etc/hosts", "/etc/hosts"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := mapping.Map(tt.in); got != tt.want {
				t.Errorf("Map(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMetadataRecord_ChildDirectories(t *testing.T) {
	rec := &MetadataRecord{Entries: []PathPermission{
		{Path: "/srv/data", Mode: fs.ModeDir | 0755},
		{Path: "/srv/data/stacks", Mode: fs.ModeDir | 0755},
		{Path: "/srv/data/stacks/gitea", Mode: fs.ModeDir | 0750},
		{Path: "/srv/data/stacks/gitea/data", Mode: fs.ModeDir | 0700},
		{Path: "/srv/data/stacks/media", Mode: fs.ModeDir | 0755},
		{Path: "/srv/data/stacks/notes.txt", Mode: 0644},
	}}

	got := rec.ChildDirectories("/srv/data/stacks/")
	if strings.Join(got, ",") != "gitea,media" {
		t.Errorf("ChildDirectories() = %v, want [gitea media]", got)
	}

	var none *MetadataRecord
	if got := none.ChildDirectories("/srv"); got != nil {
		t.Errorf("nil record ChildDirectories() = %v", got)
	}
}
