package rewind

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotPrefix    = "rewind-"
	snapshotTimestamp = "20060102T150405Z"

	// ArchiveExt and EncryptedArchiveExt are the two finished archive suffixes.
	ArchiveExt          = ".tar.gz"
	EncryptedArchiveExt = ".tar.gz.age"

	// PartialSuffix marks an archive that is still being written.
	PartialSuffix = ".partial"
)

// SnapshotID derives a snapshot id from its creation time, to the second.
func SnapshotID(t time.Time) string {
	return snapshotPrefix + t.UTC().Format(snapshotTimestamp)
}

// ArchiveName returns the file name a snapshot id is stored under.
func ArchiveName(id string, encrypted bool) string {
	if encrypted {
		return id + EncryptedArchiveExt
	}
	return id + ArchiveExt
}

// ParseArchiveName extracts the id and embedded timestamp from an archive
// file name. In-progress (.partial) and foreign files are rejected.
func ParseArchiveName(name string) (id string, ts time.Time, ok bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, EncryptedArchiveExt):
		stem = strings.TrimSuffix(name, EncryptedArchiveExt)
	case strings.HasSuffix(name, ArchiveExt):
		stem = strings.TrimSuffix(name, ArchiveExt)
	default:
		return "", time.Time{}, false
	}
	if !strings.HasPrefix(stem, snapshotPrefix) {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(snapshotTimestamp, strings.TrimPrefix(stem, snapshotPrefix))
	if err != nil {
		return "", time.Time{}, false
	}
	return stem, ts, true
}

// ArchiveFile is a finished archive found on disk.
type ArchiveFile struct {
	ID        string
	Path      string
	CreatedAt time.Time
	Encrypted bool
}

// ListArchives returns the finished archives in dir, newest first, ordered by
// the timestamp embedded in their names.
func ListArchives(dir string) ([]ArchiveFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}
	var files []ArchiveFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, ts, ok := ParseArchiveName(e.Name())
		if !ok {
			continue
		}
		files = append(files, ArchiveFile{
			ID:        id,
			Path:      filepath.Join(dir, e.Name()),
			CreatedAt: ts,
			Encrypted: strings.HasSuffix(e.Name(), EncryptedArchiveExt),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.After(files[j].CreatedAt) })
	return files, nil
}

// RetentionPolicy keeps the KeepCount newest archives and/or every archive
// younger than KeepDays. When both are set an archive survives if either
// rule keeps it. A zero policy keeps everything.
type RetentionPolicy struct {
	KeepCount int
	KeepDays  int
}

// IsZero reports whether the policy disables pruning.
func (p RetentionPolicy) IsZero() bool {
	return p.KeepCount <= 0 && p.KeepDays <= 0
}

// Prune deletes the archives in dir the policy does not keep.
func Prune(dir string, policy RetentionPolicy, now time.Time) ([]ArchiveFile, error) {
	if policy.IsZero() {
		return nil, nil
	}
	files, err := ListArchives(dir)
	if err != nil {
		return nil, err
	}

	cutoff := now.UTC().AddDate(0, 0, -policy.KeepDays)
	var removed []ArchiveFile
	for i, f := range files {
		keep := (policy.KeepCount > 0 && i < policy.KeepCount) ||
			(policy.KeepDays > 0 && !f.CreatedAt.Before(cutoff))
		if keep {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", f.Path, err)
		}
		removed = append(removed, f)
	}
	return removed, nil
}
