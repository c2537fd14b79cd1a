package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RestoreRequest selects a snapshot and carries the operator's intent.
type RestoreRequest struct {
	// Selector is "latest", a snapshot id or an archive path.
	Selector string
	// Yes confirms the destructive steps without prompting.
	Yes bool
	// DryRun stops after computing the plan.
	DryRun bool
}

// Restore reconciles the live system with a snapshot: stacks absent from the
// snapshot are removed, the snapshot's trees are extracted over the data
// roots, and its stacks are recreated, started and validated.
//
// Shutdown and cleanup are best-effort, extraction is fatal, stack apply is
// best-effort per stack and validation is advisory. Work already done is
// never undone; the report states the resulting system state.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*Report, error) {
	report := newReport("restore", e.idgen.New(), e.clock.Now())
	err := e.track(report, req.Selector, func() error {
		return e.locked(report, func() error {
			return e.restore(ctx, report, req)
		})
	})
	return report, err
}

func (e *Engine) restore(ctx context.Context, report *Report, req RestoreRequest) error {
	res := report.begin(PhasePreflight)
	file, err := e.ResolveSnapshot(ctx, req.Selector)
	if err != nil {
		return fatal(res, "unchanged", err)
	}
	report.SnapshotID = file.ID
	snap, err := e.LoadSnapshot(ctx, file)
	if err != nil {
		return fatal(res, "unchanged", err)
	}
	if err := e.archiver.Verify(ctx, file.Path); err != nil {
		return fatal(res, "unchanged", fmt.Errorf("snapshot %s is unreadable: %w", file.ID, err))
	}
	e.checkStackState(snap.StackState, res)
	if err := e.checkArchitecture(snap.Metadata, res); err != nil {
		return fatal(res, "unchanged", err)
	}

	// Archives hold absolute paths, so the files land where the snapshot
	// found them. When the roots have moved since, the engine follows the
	// snapshot's roots for the rest of the restore.
	reset := e.snapshotRoots(snap.Metadata)
	if len(reset) > 0 {
		prev := e.opts
		e.relocate(reset)
		defer func() {
			if !report.FilesRestored {
				e.useOptions(prev)
			}
		}()
		res.degrade(StatusWarning)
		for _, m := range reset {
			res.addf("snapshot was taken with data root %s, configured root is %s", m.To, m.From)
		}
	}

	res = report.begin(PhaseInventory)
	inv, err := e.Inventory(ctx)
	if err != nil {
		return fatal(res, "unchanged", err)
	}
	target, rejected := e.snapshotStackNames(snap)
	rejected = append(rejected, inv.Rejected...)
	if len(rejected) > 0 {
		res.degrade(StatusWarning)
		res.addf("ignoring stack names that are not plain directory names: %s", strings.Join(rejected, ", "))
		e.logger.Warn("ignoring invalid stack names", "names", strings.Join(rejected, ","))
	}
	toRemove := e.diffStacks(inv.StackNames(), target)
	apps := e.nonCore(target)
	res.addf("snapshot stacks: %s", listOrNone(target))
	res.addf("to remove: %s", listOrNone(toRemove))
	e.logger.Info("restore plan", "snapshot", snap.ID, "restore", strings.Join(target, ","), "remove", strings.Join(toRemove, ","))

	res = report.begin(PhaseConfirm)
	if req.DryRun {
		res.Status = StatusSkipped
		res.addf("dry run, nothing changed")
		return nil
	}
	if len(toRemove) > 0 {
		question := fmt.Sprintf("Restore snapshot %s and permanently delete stacks %s with their data?", snap.ID, strings.Join(toRemove, ", "))
		ok, err := e.confirm(ctx, req.Yes, question)
		if err != nil {
			return fatal(res, "unchanged", err)
		}
		if !ok {
			return fatal(res, "unchanged", ErrNotConfirmed)
		}
	} else {
		res.Status = StatusSkipped
	}
	if err := ctx.Err(); err != nil {
		return fatal(res, "unchanged", err)
	}

	res = report.begin(PhaseShutdown)
	e.stopStacks(ctx, inv, res)

	res = report.begin(PhaseCleanup)
	for _, name := range toRemove {
		if e.removeStack(ctx, inv, name, res) {
			report.Removed = append(report.Removed, name)
		}
	}

	res = report.begin(PhaseExtraction)
	state := fmt.Sprintf("stacks stopped, %d stack(s) removed, data roots not restored", len(report.Removed))
	for _, name := range apps {
		if err := os.RemoveAll(e.stackDir(name)); err != nil {
			return fatal(res, state, fmt.Errorf("clearing %s: %w", e.stackDir(name), err))
		}
	}
	tree, err := e.archiver.Extract(ctx, file.Path, "/", ExtractOptions{SameOwner: e.opts.SameOwner})
	if err != nil {
		state = fmt.Sprintf("stacks stopped, %d stack(s) removed, data roots partially overwritten", len(report.Removed))
		return fatal(res, state, err)
	}
	report.FilesRestored = true
	res.addf("%d entries extracted", tree.Entries)
	if len(reset) > 0 {
		report.Relocated = reset
		for _, m := range reset {
			res.addf("data root is now %s; files under %s were left in place", m.To, m.From)
		}
	}

	res = report.begin(PhaseReplay)
	e.replay(snap.Metadata, nil, res)

	res = report.begin(PhaseApply)
	e.applyStacks(ctx, snap.StackState, ApplyDecision{Create: apps, Revert: true}, report, res)
	e.startStacks(ctx, apps, report, res)

	e.validate(ctx, apps, report)
	return nil
}

func (e *Engine) checkStackState(state *StackStateRecord, res *PhaseResult) {
	switch state.Format {
	case FormatMissing:
		res.degrade(StatusWarning)
		res.addf("snapshot has no stack-state document; files will be restored but stacks cannot be recreated")
		e.logger.Warn("snapshot has no stack state")
	case FormatLegacy:
		res.degrade(StatusWarning)
		res.addf("snapshot uses the legacy stack-state format; unregistered stacks cannot be recreated")
		e.logger.Warn("snapshot uses legacy stack state")
	}
}

// checkArchitecture warns on a CPU architecture mismatch. Image
// compatibility problems surface when containers start, not here.
func (e *Engine) checkArchitecture(meta *MetadataRecord, res *PhaseResult) error {
	mm := e.recorder.CompareFingerprint(meta)
	if mm == nil {
		return nil
	}
	if e.opts.ArchMismatch == "abort" {
		return fmt.Errorf("%w: snapshot %s, host %s", ErrArchMismatch, mm.Recorded, mm.Current)
	}
	res.degrade(StatusWarning)
	res.addf("snapshot was taken on %s, this host is %s; images may fail to start", mm.Recorded, mm.Current)
	e.logger.Warn("architecture mismatch", "recorded", mm.Recorded, "current", mm.Current)
	return nil
}

// removeStack stops and removes a stack's containers, deregisters it and
// deletes its data directory. It reports whether every step succeeded.
func (e *Engine) removeStack(ctx context.Context, inv *LiveInventory, name string, res *PhaseResult) bool {
	clean := true
	warn := func(format string, args ...any) {
		clean = false
		res.degrade(StatusPartial)
		res.addf(format, args...)
	}

	for _, c := range inv.ContainersOf(name) {
		if c.State == ContainerRunning {
			if err := e.runtime.StopContainer(ctx, c.ID); err != nil {
				warn("stopping container %s: %v", c.Name, err)
			}
		}
		if err := e.runtime.RemoveContainer(ctx, c.ID); err != nil {
			warn("removing container %s: %v", c.Name, err)
		}
	}
	if reg := inv.Registration(name); reg != nil {
		if err := e.cp.DeleteStack(ctx, reg.ID, e.endpoint(reg.EndpointID)); err != nil {
			warn("deleting stack %s: %v", name, err)
		}
	}
	if err := os.RemoveAll(e.stackDir(name)); err != nil {
		warn("deleting %s: %v", e.stackDir(name), err)
	}
	if clean {
		e.logger.Info("stack removed", "stack", name)
	}
	return clean
}

func (e *Engine) replay(meta *MetadataRecord, mapping RootMapping, res *PhaseResult) {
	rep := e.recorder.Replay(meta, mapping)
	res.addf("%d entries re-owned", rep.Applied)
	if rep.Clean() {
		return
	}
	res.degrade(StatusPartial)
	if len(rep.Missing) > 0 {
		res.addf("%d recorded entries missing after extraction (first: %s)", len(rep.Missing), rep.Missing[0])
	}
	for i, f := range rep.Failed {
		if i == 5 {
			res.addf("... and %d more", len(rep.Failed)-i)
			break
		}
		res.addf("%s: %v", f.Path, f.Err)
	}
	e.logger.Warn("metadata replay incomplete", "missing", len(rep.Missing), "failed", len(rep.Failed))
}

func (e *Engine) applyStacks(ctx context.Context, state *StackStateRecord, decision ApplyDecision, report *Report, res *PhaseResult) {
	rep, err := e.applier.Apply(ctx, state, decision)
	if err != nil {
		res.degrade(StatusPartial)
		res.addf("applying stacks: %v", err)
		return
	}
	for _, entry := range rep.Entries {
		out := report.stack(entry.Name)
		switch entry.Action {
		case ActionCreated:
			out.Created = true
			res.addf("stack %s created (id %d)", entry.Name, entry.StackID)
		case ActionReverted:
			res.addf("stack %s definition reverted to the snapshot", entry.Name)
		case ActionUnrecreatable:
			out.Err = errors.New(string(ActionUnrecreatable))
			res.degrade(StatusPartial)
			res.addf("stack %s: %s", entry.Name, ActionUnrecreatable)
		case ActionFailed:
			out.Err = entry.Err
			res.degrade(StatusPartial)
			res.addf("stack %s: %v", entry.Name, entry.Err)
		}
		for _, n := range entry.Notes {
			res.addf("stack %s: %s", entry.Name, n)
		}
	}
}

// snapshotRoots maps each configured data root to the root the snapshot
// recorded at the same position, for the roots that differ.
func (e *Engine) snapshotRoots(meta *MetadataRecord) RootMapping {
	if meta == nil || len(meta.Roots) != len(e.opts.DataRoots) {
		return nil
	}
	var mapping RootMapping
	for i, r := range e.opts.DataRoots {
		from, to := filepath.Clean(r), filepath.Clean(meta.Roots[i])
		if from != to {
			mapping = append(mapping, RootMove{From: from, To: to})
		}
	}
	return mapping
}

func (e *Engine) nonCore(names []string) []string {
	var out []string
	for _, n := range names {
		if !e.isCore(n) {
			out = append(out, n)
		}
	}
	return out
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
