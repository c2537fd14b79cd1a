package rewind

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ApplyAction is what Apply did for one stack.
type ApplyAction string

const (
	ActionCreated       ApplyAction = "created"
	ActionExists        ApplyAction = "exists"
	ActionReverted      ApplyAction = "reverted"
	ActionUnrecreatable ApplyAction = "cannot auto-recreate"
	ActionFailed        ApplyAction = "failed"
)

// PathRewriter substitutes paths in a descriptor. It is the only change
// Apply allows to captured compose content.
type PathRewriter func(StackDescriptor) (StackDescriptor, error)

// ApplyDecision selects the stacks of a record that should be created.
type ApplyDecision struct {
	Create  []string
	Rewrite PathRewriter
	// Revert pushes the recorded definition to registered stacks whose live
	// compose file or environment has drifted from it.
	Revert bool
}

// ApplyEntry is one stack's line in an ApplyReport.
type ApplyEntry struct {
	Name    string
	Action  ApplyAction
	StackID int
	Notes   []string
	Err     error
}

// ApplyReport lists the outcome per requested stack.
type ApplyReport struct {
	Entries []ApplyEntry
}

// Count returns how many entries ended with action a.
func (r *ApplyReport) Count(a ApplyAction) int {
	n := 0
	for _, e := range r.Entries {
		if e.Action == a {
			n++
		}
	}
	return n
}

// Entry returns the entry for name, or nil.
func (r *ApplyReport) Entry(name string) *ApplyEntry {
	for i := range r.Entries {
		if r.Entries[i].Name == name {
			return &r.Entries[i]
		}
	}
	return nil
}

// Applier recreates stacks from captured descriptors.
type Applier struct {
	cp              ControlPlane
	hostPath        RootMapping
	defaultEndpoint int
	writeFile       func(string, []byte) error
	logger          Logger
}

// NewApplier creates an Applier. defaultEndpoint is used for descriptors that
// did not record an endpoint.
func NewApplier(cp ControlPlane, hostPath RootMapping, defaultEndpoint int, logger Logger) *Applier {
	return &Applier{
		cp:              cp,
		hostPath:        hostPath,
		defaultEndpoint: defaultEndpoint,
		writeFile:       writeStackFile,
		logger:          logger,
	}
}

func writeStackFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Apply creates every stack named in decision.Create that is not already
// registered. Applying the same record twice is a no-op the second time.
// Failing to list registered stacks is the only error; per-stack failures
// are reported in the ApplyReport.
func (a *Applier) Apply(ctx context.Context, rec *StackStateRecord, decision ApplyDecision) (*ApplyReport, error) {
	registered, err := a.cp.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registered stacks: %w", err)
	}
	byName := make(map[string]RemoteStack, len(registered))
	for _, s := range registered {
		byName[s.Name] = s
	}

	report := &ApplyReport{}
	for _, name := range decision.Create {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if existing, ok := byName[name]; ok {
			entry := ApplyEntry{Name: name, Action: ActionExists, StackID: existing.ID}
			if decision.Revert {
				entry = a.revertOne(ctx, rec, existing, decision.Rewrite)
			}
			report.Entries = append(report.Entries, entry)
			continue
		}
		entry := a.applyOne(ctx, rec, name, decision.Rewrite)
		if entry.Action == ActionCreated {
			byName[name] = RemoteStack{ID: entry.StackID, Name: name}
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

func (a *Applier) applyOne(ctx context.Context, rec *StackStateRecord, name string, rewrite PathRewriter) ApplyEntry {
	entry := ApplyEntry{Name: name}
	d := rec.Find(name)
	if d == nil || !d.Recreatable() {
		entry.Action = ActionUnrecreatable
		entry.Notes = append(entry.Notes, fmt.Sprintf("no compose definition captured (%s stack state)", rec.Format))
		a.logger.Warn("stack cannot be recreated automatically", "stack", name, "format", rec.Format.String())
		return entry
	}

	desc := *d
	if rewrite != nil {
		rewritten, err := rewrite(desc)
		if err != nil {
			entry.Action = ActionFailed
			entry.Err = fmt.Errorf("rewriting paths: %w", err)
			return entry
		}
		desc = rewritten
	}

	endpoint := desc.EndpointID
	if endpoint == 0 {
		endpoint = a.defaultEndpoint
	}
	req := CreateStackRequest{
		EndpointID:     endpoint,
		Name:           desc.Name,
		ComposeContent: desc.ComposeContent,
		Env:            desc.Env,
		AutoUpdate:     desc.AutoUpdate,
	}
	if desc.GitConfig != nil && desc.GitConfig.URL != "" {
		req.GitConfig = desc.GitConfig
		for _, f := range desc.AdditionalFiles {
			req.AdditionalFiles = append(req.AdditionalFiles, f.Name)
		}
	}

	id, err := a.cp.CreateStack(ctx, req)
	if err != nil {
		entry.Action = ActionFailed
		entry.Err = err
		a.logger.Error("stack creation failed", "stack", name, "error", err)
		return entry
	}
	entry.Action = ActionCreated
	entry.StackID = id
	a.logger.Info("stack created", "stack", name, "id", id)

	// Repository stacks bring their own files; string stacks need theirs written.
	if req.GitConfig == nil && len(desc.AdditionalFiles) > 0 {
		entry.Notes = append(entry.Notes, a.writeAdditionalFiles(ctx, id, desc)...)
	}
	if req.GitConfig == nil && desc.AutoUpdate != nil {
		entry.Notes = append(entry.Notes, "auto-update policy is only restored for repository stacks")
	}
	return entry
}

// revertOne updates a registered stack back to its recorded definition.
// Repository stacks are left alone; their compose file lives in git.
func (a *Applier) revertOne(ctx context.Context, rec *StackStateRecord, live RemoteStack, rewrite PathRewriter) ApplyEntry {
	entry := ApplyEntry{Name: live.Name, Action: ActionExists, StackID: live.ID}
	d := rec.Find(live.Name)
	if d == nil || d.ComposeContent == "" || (d.GitConfig != nil && d.GitConfig.URL != "") {
		return entry
	}
	desc := *d
	if rewrite != nil {
		rewritten, err := rewrite(desc)
		if err != nil {
			entry.Action = ActionFailed
			entry.Err = fmt.Errorf("rewriting paths: %w", err)
			return entry
		}
		desc = rewritten
	}

	current, err := a.cp.GetStackFile(ctx, live.ID)
	if err != nil {
		entry.Notes = append(entry.Notes, fmt.Sprintf("live definition not compared: %v", err))
		return entry
	}
	if current == desc.ComposeContent && envEqual(live.Env, desc.Env) {
		return entry
	}

	endpoint := live.EndpointID
	if endpoint == 0 {
		endpoint = a.defaultEndpoint
	}
	if err := a.cp.UpdateStack(ctx, live.ID, endpoint, desc.ComposeContent, desc.Env); err != nil {
		entry.Action = ActionFailed
		entry.Err = fmt.Errorf("reverting definition: %w", err)
		a.logger.Error("reverting stack definition failed", "stack", live.Name, "error", err)
		return entry
	}
	entry.Action = ActionReverted
	a.logger.Info("stack definition reverted", "stack", live.Name, "id", live.ID)
	return entry
}

func (a *Applier) writeAdditionalFiles(ctx context.Context, id int, desc StackDescriptor) []string {
	created, err := a.cp.GetStack(ctx, id)
	if err != nil {
		return []string{fmt.Sprintf("additional files not written: %v", err)}
	}
	var notes []string
	project := a.hostPath.Map(created.ProjectPath)
	for _, f := range desc.AdditionalFiles {
		if err := a.writeFile(filepath.Join(project, f.Name), []byte(f.Content)); err != nil {
			notes = append(notes, fmt.Sprintf("additional file %s not written: %v", f.Name, err))
		}
	}
	return notes
}
