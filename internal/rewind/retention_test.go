package rewind

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestArchiveName_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.FixedZone("CET", 3600))
	id := SnapshotID(at)
	if id != "rewind-20260301T010000Z" {
		t.Fatalf("SnapshotID() = %q", id)
	}

	for _, enc := range []bool{false, true} {
		gotID, ts, ok := ParseArchiveName(ArchiveName(id, enc))
		if !ok || gotID != id || !ts.Equal(at) {
			t.Errorf("ParseArchiveName(encrypted=%v) = %q, %v, %v", enc, gotID, ts, ok)
		}
	}
}

func TestParseArchiveName_rejects(t *testing.T) {
	for _, name := range []string{
		"rewind-20260301T010000Z.tar.gz" + PartialSuffix,
		"rewind-notatime.tar.gz",
		"other-20260301T010000Z.tar.gz",
		"rewind-20260301T010000Z.zip",
		"notes.txt",
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, ok := ParseArchiveName(name); ok {
				t.Errorf("ParseArchiveName(%q) accepted", name)
			}
		})
	}
}

// touchArchives creates one archive per day ending at newest and returns
// their IDs, newest first.
func touchArchives(t *testing.T, dir string, newest time.Time, days int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < days; i++ {
		id := SnapshotID(newest.AddDate(0, 0, -i))
		if err := os.WriteFile(filepath.Join(dir, ArchiveName(id, i%2 == 1)), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		policy     RetentionPolicy
		wantKeep   int
		wantRemove int
	}{
		{"zero policy keeps all", RetentionPolicy{}, 10, 0},
		{"keep count", RetentionPolicy{KeepCount: 3}, 3, 7},
		{"keep days", RetentionPolicy{KeepDays: 4}, 5, 5},
		{"union of both", RetentionPolicy{KeepCount: 7, KeepDays: 2}, 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ids := touchArchives(t, dir, now, 10)
			partial := filepath.Join(dir, ArchiveName(SnapshotID(now.AddDate(-1, 0, 0)), false)+PartialSuffix)
			if err := os.WriteFile(partial, nil, 0600); err != nil {
				t.Fatal(err)
			}

			removed, err := Prune(dir, tt.policy, now)
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if len(removed) != tt.wantRemove {
				t.Errorf("removed %d, want %d", len(removed), tt.wantRemove)
			}
			left, _ := ListArchives(dir)
			if len(left) != tt.wantKeep {
				t.Errorf("kept %d, want %d", len(left), tt.wantKeep)
			}
			if len(left) > 0 && left[0].ID != ids[0] {
				t.Errorf("newest kept = %s, want %s", left[0].ID, ids[0])
			}
			if _, err := os.Stat(partial); err != nil {
				t.Errorf("partial archive touched: %v", err)
			}
		})
	}
}

func TestListArchives_missingDir(t *testing.T) {
	files, err := ListArchives(filepath.Join(t.TempDir(), "nope"))
	if err != nil || files != nil {
		t.Errorf("ListArchives() = %v, %v; want nil, nil", files, err)
	}
}
