package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rewind/internal/compose"
)

// MigrateRequest moves data roots to new locations.
type MigrateRequest struct {
	Moves []RootMove
	Yes   bool
}

// Migrate relocates data roots and repoints every stack at the new paths.
// A rollback snapshot is taken first; the report's SnapshotID names it and
// restoring it undoes a migration that went wrong after the move.
func (e *Engine) Migrate(ctx context.Context, req MigrateRequest) (*Report, error) {
	report := newReport("migrate", e.idgen.New(), e.clock.Now())
	var params []string
	for _, m := range req.Moves {
		params = append(params, m.From+"="+m.To)
	}
	err := e.track(report, strings.Join(params, ","), func() error {
		return e.locked(report, func() error {
			return e.migrate(ctx, report, req)
		})
	})
	return report, err
}

func (e *Engine) migrate(ctx context.Context, report *Report, req MigrateRequest) error {
	res := report.begin(PhasePreflight)
	if err := e.checkMoves(req.Moves); err != nil {
		return fatal(res, "unchanged", err)
	}

	res = report.begin(PhaseInventory)
	inv, err := e.Inventory(ctx)
	if err != nil {
		return fatal(res, "unchanged", err)
	}
	var deployed []string
	for _, s := range inv.Registered {
		if !e.isCore(s.Name) {
			deployed = append(deployed, s.Name)
		}
	}
	res.addf("deployed stacks: %s", listOrNone(deployed))

	res = report.begin(PhaseConfirm)
	if len(deployed) > 0 {
		question := fmt.Sprintf("%d stack(s) besides core infrastructure are deployed (%s). Migration stops them, moves their data and rewrites their paths. Continue?",
			len(deployed), strings.Join(deployed, ", "))
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

	res = report.begin(PhaseRollback)
	snap, err := e.backup(ctx, report, KindRollback)
	if err != nil {
		return fatal(res, "unchanged, no rollback snapshot", err)
	}
	report.SnapshotID = snap.ID
	res.addf("rollback snapshot %s", snap.ID)
	rollback := fmt.Sprintf("restore with: rewind restore --snapshot %s", snap.ID)

	if err := ctx.Err(); err != nil {
		return fatal(res, "unchanged, rollback snapshot written", err)
	}

	res = report.begin(PhaseStop)
	e.stopStacks(ctx, inv, res)

	res = report.begin(PhaseMove)
	for i, m := range req.Moves {
		if err := moveTree(m.From, m.To); err != nil {
			state := fmt.Sprintf("%d of %d roots moved, stacks stopped; %s", i, len(req.Moves), rollback)
			return fatal(res, state, fmt.Errorf("moving %s to %s: %w", m.From, m.To, err))
		}
		res.addf("moved %s to %s", m.From, m.To)
		e.logger.Info("root moved", "from", m.From, "to", m.To)
	}
	report.FilesRestored = true
	mapping := RootMapping(req.Moves)
	report.Relocated = mapping
	e.relocate(mapping)

	res = report.begin(PhaseRewrite)
	names := e.nonCore(snap.StackState.Names())
	rewrite := func(d StackDescriptor) (StackDescriptor, error) {
		return rewriteDescriptor(d, mapping)
	}
	skip := e.updateStacks(ctx, snap.StackState, names, rewrite, report, res)

	res = report.begin(PhaseApply)
	var start []string
	for _, n := range names {
		if !skip[n] {
			start = append(start, n)
		}
	}
	e.applyStacks(ctx, snap.StackState, ApplyDecision{Create: start, Rewrite: rewrite}, report, res)
	e.startStacks(ctx, start, report, res)

	e.validate(ctx, names, report)
	if report.Outcome() != OutcomeSuccess {
		res.addf("%s", rollback)
	}
	return nil
}

// checkMoves rejects moves that are not absolute, overlap, or whose source
// is not a configured data root.
func (e *Engine) checkMoves(moves []RootMove) error {
	if len(moves) == 0 {
		return errors.New("no roots to move")
	}
	roots := map[string]bool{}
	for _, r := range e.opts.DataRoots {
		roots[filepath.Clean(r)] = true
	}
	for _, m := range moves {
		if !filepath.IsAbs(m.From) || !filepath.IsAbs(m.To) {
			return fmt.Errorf("move %s=%s: paths must be absolute", m.From, m.To)
		}
		from, to := filepath.Clean(m.From), filepath.Clean(m.To)
		if !roots[from] {
			return fmt.Errorf("move %s: not a configured data root", m.From)
		}
		if from == to || within(to, from) || within(from, to) {
			return fmt.Errorf("move %s=%s: source and destination overlap", m.From, m.To)
		}
		info, err := os.Stat(from)
		if err != nil {
			return fmt.Errorf("move %s: %w", m.From, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("move %s: not a directory", m.From)
		}
		if entries, err := os.ReadDir(to); err == nil && len(entries) > 0 {
			return fmt.Errorf("move %s: destination %s is not empty", m.From, m.To)
		}
	}
	return nil
}

func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// relocate points the engine at the moved roots.
func (e *Engine) relocate(mapping RootMapping) {
	opts := e.opts
	opts.DataRoots = make([]string, len(e.opts.DataRoots))
	for i, r := range e.opts.DataRoots {
		opts.DataRoots[i] = mapping.Map(r)
	}
	opts.StacksDir = mapping.Map(e.opts.StacksDir)

	opts.ControlPlanePaths = make(RootMapping, len(e.opts.ControlPlanePaths))
	for i, m := range e.opts.ControlPlanePaths {
		opts.ControlPlanePaths[i] = RootMove{From: m.From, To: mapping.Map(m.To)}
	}
	e.useOptions(opts)
}

// useOptions replaces the options and the collaborators built from them.
func (e *Engine) useOptions(opts Options) {
	e.opts = opts
	e.capturer = NewCapturer(e.cp, opts.ControlPlanePaths, e.logger, e.clock)
	e.applier = NewApplier(e.cp, opts.ControlPlanePaths, opts.DefaultEndpoint, e.logger)
}

// updateStacks pushes rewritten definitions for registered stacks. It
// returns the stacks that must not be started because their definition
// still points at the old paths.
func (e *Engine) updateStacks(ctx context.Context, state *StackStateRecord, names []string, rewrite PathRewriter, report *Report, res *PhaseResult) map[string]bool {
	skip := map[string]bool{}
	registered, err := e.cp.ListStacks(ctx)
	if err != nil {
		res.degrade(StatusPartial)
		res.addf("listing stacks: %v", err)
		for _, n := range names {
			skip[n] = true
			report.stack(n).Err = fmt.Errorf("not updated: %w", err)
		}
		return skip
	}
	byName := map[string]RemoteStack{}
	for _, s := range registered {
		byName[s.Name] = s
	}

	for _, name := range names {
		reg, ok := byName[name]
		if !ok {
			continue
		}
		d := state.Find(name)
		if d == nil || !d.Recreatable() {
			res.degrade(StatusWarning)
			res.addf("stack %s: no captured definition, paths not rewritten", name)
			continue
		}
		nd, err := rewrite(*d)
		if err != nil {
			skip[name] = true
			report.stack(name).Err = err
			res.degrade(StatusPartial)
			res.addf("stack %s: %v", name, err)
			continue
		}
		if nd.ComposeContent == d.ComposeContent && envEqual(nd.Env, d.Env) {
			continue
		}
		if err := e.cp.UpdateStack(ctx, reg.ID, e.endpoint(reg.EndpointID), nd.ComposeContent, nd.Env); err != nil {
			skip[name] = true
			report.stack(name).Err = fmt.Errorf("updating: %w", err)
			res.degrade(StatusPartial)
			res.addf("stack %s: %v", name, err)
			e.logger.Error("updating stack failed", "stack", name, "error", err)
			continue
		}
		res.addf("stack %s updated", name)
		e.logger.Info("stack updated", "stack", name)
	}
	return skip
}

// rewriteDescriptor maps the project path, absolute env values and compose
// bind sources through mapping.
func rewriteDescriptor(d StackDescriptor, mapping RootMapping) (StackDescriptor, error) {
	mapPath := func(p string) (string, bool) {
		q := mapping.Map(p)
		return q, q != p
	}

	out := d
	if d.ComposeContent != "" {
		content, _, err := compose.RewriteSources(d.ComposeContent, mapPath)
		if err != nil {
			return d, err
		}
		out.ComposeContent = content
	}
	if d.ProjectPath != "" {
		out.ProjectPath = mapping.Map(d.ProjectPath)
	}
	out.Env = make([]EnvVar, len(d.Env))
	for i, v := range d.Env {
		if filepath.IsAbs(v.Value) {
			v.Value = mapping.Map(v.Value)
		}
		out.Env[i] = v
	}
	return out, nil
}

func envEqual(a, b []EnvVar) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
