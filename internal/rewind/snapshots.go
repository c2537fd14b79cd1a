package rewind

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveSnapshot finds the archive a selector refers to. The selector is
// "latest" (or empty), a snapshot id, or a path to an archive file. Archives
// missing locally are fetched from the vault when one is configured.
func (e *Engine) ResolveSnapshot(ctx context.Context, selector string) (ArchiveFile, error) {
	if selector == "" || selector == "latest" {
		return e.resolveLatest(ctx)
	}

	if strings.ContainsRune(selector, os.PathSeparator) || strings.HasSuffix(selector, ArchiveExt) || strings.HasSuffix(selector, EncryptedArchiveExt) {
		if info, err := os.Stat(selector); err == nil && info.Mode().IsRegular() {
			abs, err := filepath.Abs(selector)
			if err != nil {
				return ArchiveFile{}, fmt.Errorf("resolving snapshot path: %w", err)
			}
			f := ArchiveFile{Path: abs, Encrypted: strings.HasSuffix(abs, EncryptedArchiveExt)}
			if id, ts, ok := ParseArchiveName(filepath.Base(abs)); ok {
				f.ID, f.CreatedAt = id, ts
			} else {
				f.ID = filepath.Base(abs)
			}
			return f, nil
		}
	}

	for _, enc := range []bool{false, true} {
		path := filepath.Join(e.opts.BackupDir, ArchiveName(selector, enc))
		if _, err := os.Stat(path); err == nil {
			_, ts, _ := ParseArchiveName(filepath.Base(path))
			return ArchiveFile{ID: selector, Path: path, CreatedAt: ts, Encrypted: enc}, nil
		}
	}

	if e.vault != nil {
		names, err := e.vault.ListArchives(ctx)
		if err != nil {
			return ArchiveFile{}, fmt.Errorf("listing offsite snapshots: %w", err)
		}
		for _, name := range names {
			if id, _, ok := ParseArchiveName(name); ok && id == selector {
				return e.fetch(ctx, name)
			}
		}
	}
	return ArchiveFile{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, selector)
}

func (e *Engine) resolveLatest(ctx context.Context) (ArchiveFile, error) {
	local, err := ListArchives(e.opts.BackupDir)
	if err != nil {
		return ArchiveFile{}, err
	}
	if len(local) > 0 {
		return local[0], nil
	}
	if e.vault == nil {
		return ArchiveFile{}, fmt.Errorf("%w: no snapshots in %s", ErrSnapshotNotFound, e.opts.BackupDir)
	}

	names, err := e.vault.ListArchives(ctx)
	if err != nil {
		return ArchiveFile{}, fmt.Errorf("listing offsite snapshots: %w", err)
	}
	var newest ArchiveFile
	var newestName string
	for _, name := range names {
		id, ts, ok := ParseArchiveName(name)
		if ok && (newestName == "" || ts.After(newest.CreatedAt)) {
			newest = ArchiveFile{ID: id, CreatedAt: ts}
			newestName = name
		}
	}
	if newestName == "" {
		return ArchiveFile{}, fmt.Errorf("%w: no local or offsite snapshots", ErrSnapshotNotFound)
	}
	return e.fetch(ctx, newestName)
}

// fetch downloads an offsite archive into the backup directory under a
// temporary name and renames it into place once complete.
func (e *Engine) fetch(ctx context.Context, name string) (ArchiveFile, error) {
	if err := os.MkdirAll(e.opts.BackupDir, 0700); err != nil {
		return ArchiveFile{}, fmt.Errorf("creating backup directory: %w", err)
	}
	dest := filepath.Join(e.opts.BackupDir, name)
	tmp := dest + PartialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return ArchiveFile{}, fmt.Errorf("creating download file: %w", err)
	}
	if err := e.vault.GetArchive(ctx, name, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return ArchiveFile{}, fmt.Errorf("downloading %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ArchiveFile{}, fmt.Errorf("closing download file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return ArchiveFile{}, fmt.Errorf("renaming download: %w", err)
	}
	e.logger.Info("snapshot fetched from vault", "name", name)

	id, ts, _ := ParseArchiveName(name)
	return ArchiveFile{ID: id, Path: dest, CreatedAt: ts, Encrypted: strings.HasSuffix(name, EncryptedArchiveExt)}, nil
}

// LoadSnapshot reads a snapshot's side files without extracting it.
// A missing stack-state document is not an error; its Format says so.
func (e *Engine) LoadSnapshot(ctx context.Context, f ArchiveFile) (*Snapshot, error) {
	side, err := e.archiver.ReadSideFiles(ctx, f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", f.ID, err)
	}
	metaJSON, ok := side[MetadataFileName]
	if !ok {
		return nil, fmt.Errorf("snapshot %s has no %s", f.ID, MetadataFileName)
	}
	meta, err := DecodeMetadata(metaJSON)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", f.ID, err)
	}
	state, err := DecodeStackState(side[StackStateFileName])
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", f.ID, err)
	}

	var size int64
	if info, err := os.Stat(f.Path); err == nil {
		size = info.Size()
	}
	return &Snapshot{
		ID:          f.ID,
		ArchivePath: f.Path,
		Metadata:    meta,
		StackState:  state,
		Size:        size,
		CreatedAt:   f.CreatedAt,
		Encrypted:   f.Encrypted,
	}, nil
}

// SnapshotStackNames is the target stack set of a snapshot: every captured
// descriptor plus every stack directory the ledger saw, so that snapshots
// with legacy or missing stack state still restore their directories.
// Names that are not a single path element are left out.
func (e *Engine) SnapshotStackNames(s *Snapshot) []string {
	names, rejected := e.snapshotStackNames(s)
	if len(rejected) > 0 {
		e.logger.Warn("snapshot names stacks that are not plain directory names", "names", strings.Join(rejected, ","))
	}
	return names
}

func (e *Engine) snapshotStackNames(s *Snapshot) (names, rejected []string) {
	set := map[string]bool{}
	bad := map[string]bool{}
	add := func(n string) {
		if ValidStackName(n) {
			set[n] = true
		} else {
			bad[n] = true
		}
	}
	for _, n := range s.StackState.Names() {
		add(n)
	}
	for _, n := range s.Metadata.ChildDirectories(e.opts.StacksDir) {
		add(n)
	}
	return sortedKeys(set), sortedKeys(bad)
}
