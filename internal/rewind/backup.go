package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backup captures the stack inventory and data roots into a new snapshot.
// Per-stack capture problems make the result partial; failing to reach the
// control plane, to read a root or to write the archive is fatal.
func (e *Engine) Backup(ctx context.Context) (*Report, error) {
	report := newReport("backup", e.idgen.New(), e.clock.Now())
	err := e.track(report, strings.Join(e.opts.DataRoots, ","), func() error {
		return e.locked(report, func() error {
			snap, err := e.backup(ctx, report, KindScheduled)
			if err != nil {
				return err
			}
			report.SnapshotID = snap.ID
			if e.opts.AutoPrune {
				// A failed prune leaves the new snapshot intact; the phase reports it.
				_, _ = e.prune(ctx, report)
			}
			return nil
		})
	})
	return report, err
}

// backup runs the capture, record, archive, catalog and upload phases.
// The caller holds the lock.
func (e *Engine) backup(ctx context.Context, report *Report, kind string) (*Snapshot, error) {
	now := e.clock.Now().UTC()

	res := report.begin(PhaseCapture)
	state, err := e.capturer.Capture(ctx)
	if err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", err)
	}
	if n := state.PartialCount(); n > 0 {
		res.degrade(StatusPartial)
		for _, s := range state.Stacks {
			if s.Partial {
				res.addf("stack %s captured partially: %s", s.Name, strings.Join(s.CaptureErrors, "; "))
			}
		}
	}
	res.addf("%d stacks captured", len(state.Stacks))

	res = report.begin(PhaseRecord)
	meta, err := e.recorder.Record(e.opts.DataRoots)
	if err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", err)
	}
	meta.ToolVersion = e.opts.ToolVersion
	res.addf("%d entries recorded under %d roots", len(meta.Entries), len(meta.Roots))

	res = report.begin(PhaseArchive)
	metaJSON, err := EncodeMetadata(meta)
	if err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", err)
	}
	stateJSON, err := EncodeStackState(state)
	if err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", err)
	}
	if err := os.MkdirAll(e.opts.BackupDir, 0700); err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", fmt.Errorf("creating backup directory: %w", err))
	}

	id := SnapshotID(now)
	dest := filepath.Join(e.opts.BackupDir, ArchiveName(id, e.opts.Encrypted))
	ref, err := e.archiver.Create(ctx, dest, e.opts.DataRoots, []SideFile{
		{Name: MetadataFileName, Content: metaJSON},
		{Name: StackStateFileName, Content: stateJSON},
	})
	if err != nil {
		return nil, fatal(res, "unchanged, no snapshot written", err)
	}
	res.addf("archive %s (%d bytes)", ref.Path, ref.Size)
	e.logger.Info("archive written", "path", ref.Path, "size", ref.Size)

	snap := &Snapshot{
		ID:          id,
		ArchivePath: ref.Path,
		Metadata:    meta,
		StackState:  state,
		Size:        ref.Size,
		CreatedAt:   now,
		Encrypted:   ref.Encrypted,
	}

	res = report.begin(PhaseCatalog)
	if e.catalog != nil {
		err := e.catalog.RecordSnapshot(&SnapshotRecord{
			ID:           id,
			ArchivePath:  ref.Path,
			Size:         ref.Size,
			CreatedAt:    now,
			StackCount:   len(state.Stacks),
			PartialCount: state.PartialCount(),
			Architecture: meta.Fingerprint.Architecture,
			Hostname:     meta.Fingerprint.Hostname,
			Encrypted:    ref.Encrypted,
			Kind:         kind,
		})
		if err != nil {
			res.degrade(StatusWarning)
			res.addf("catalog: %v", err)
			e.logger.Warn("recording snapshot in catalog failed", "error", err)
		}
	} else {
		res.Status = StatusSkipped
	}

	res = report.begin(PhaseUpload)
	if e.vault != nil {
		if err := e.upload(ctx, ref.Path); err != nil {
			res.degrade(StatusWarning)
			res.addf("offsite copy: %v", err)
			e.logger.Warn("uploading snapshot failed", "snapshot", id, "error", err)
		}
	} else {
		res.Status = StatusSkipped
	}

	return snap, nil
}

func (e *Engine) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	return e.vault.PutArchive(ctx, filepath.Base(path), f, info.Size())
}

// Prune applies the retention policy to the backup directory.
func (e *Engine) Prune(ctx context.Context) (*Report, []ArchiveFile, error) {
	report := newReport("prune", e.idgen.New(), e.clock.Now())
	var removed []ArchiveFile
	err := e.track(report, fmt.Sprintf("keep_count=%d,keep_days=%d", e.opts.Retention.KeepCount, e.opts.Retention.KeepDays), func() error {
		return e.locked(report, func() error {
			var err error
			removed, err = e.prune(ctx, report)
			return err
		})
	})
	return report, removed, err
}

// prune deletes old archives, then forgets them in the catalog and the vault.
func (e *Engine) prune(ctx context.Context, report *Report) ([]ArchiveFile, error) {
	res := report.begin(PhasePrune)
	if e.opts.Retention.IsZero() {
		res.Status = StatusSkipped
		return nil, nil
	}
	now := e.clock.Now()
	removed, err := Prune(e.opts.BackupDir, e.opts.Retention, now)
	if err != nil {
		res.degrade(StatusPartial)
		res.Err = err
		res.addf("pruning stopped: %v", err)
	}
	for _, f := range removed {
		res.addf("removed %s", f.ID)
		e.logger.Info("snapshot pruned", "snapshot", f.ID)
		if e.catalog != nil {
			if err := e.catalog.MarkPruned(f.ID, now); err != nil {
				res.degrade(StatusWarning)
				res.addf("catalog: %v", err)
			}
		}
		if e.vault != nil {
			if err := e.vault.DeleteArchive(ctx, filepath.Base(f.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
				res.degrade(StatusWarning)
				res.addf("offsite copy of %s: %v", f.ID, err)
			}
		}
	}
	return removed, err
}
