package rewind

import (
	"fmt"
	"strings"
	"time"
)

// Phase names one step of a backup, restore or migration.
type Phase string

const (
	PhaseLock       Phase = "lock"
	PhaseCapture    Phase = "capture"
	PhaseRecord     Phase = "record"
	PhaseArchive    Phase = "archive"
	PhaseCatalog    Phase = "catalog"
	PhaseUpload     Phase = "upload"
	PhasePrune      Phase = "prune"
	PhasePreflight  Phase = "preflight"
	PhaseInventory  Phase = "inventory"
	PhaseConfirm    Phase = "confirm"
	PhaseShutdown   Phase = "shutdown"
	PhaseCleanup    Phase = "cleanup"
	PhaseExtraction Phase = "extraction"
	PhaseReplay     Phase = "replay"
	PhaseApply      Phase = "stack-apply"
	PhaseValidation Phase = "validation"
	PhaseRollback   Phase = "rollback-snapshot"
	PhaseStop       Phase = "stop"
	PhaseMove       Phase = "move"
	PhaseRewrite    Phase = "rewrite"
)

// PhaseStatus is the outcome of a single phase.
type PhaseStatus string

const (
	StatusOK      PhaseStatus = "ok"
	StatusWarning PhaseStatus = "warning"
	StatusPartial PhaseStatus = "partial"
	StatusFailed  PhaseStatus = "failed"
	StatusSkipped PhaseStatus = "skipped"
)

// PhaseResult is the typed result every phase returns.
type PhaseResult struct {
	Phase    Phase
	Status   PhaseStatus
	Messages []string
	Err      error
}

func (r *PhaseResult) addf(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// degrade lowers the status to s unless it is already worse.
func (r *PhaseResult) degrade(s PhaseStatus) {
	rank := map[PhaseStatus]int{StatusOK: 0, StatusSkipped: 0, StatusWarning: 1, StatusPartial: 2, StatusFailed: 3}
	if rank[s] > rank[r.Status] {
		r.Status = s
	}
}

// Outcome is the overall result of an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// StackOutcome tracks one target stack through apply and validation.
type StackOutcome struct {
	Name    string
	Created bool
	Started bool
	Up      bool
	Err     error
}

// Report aggregates phase results into one final report.
type Report struct {
	Operation  string
	RunID      string
	SnapshotID string
	StartedAt  time.Time
	FinishedAt time.Time
	Phases     []*PhaseResult

	Removed       []string
	FilesRestored bool
	Stacks        []*StackOutcome
	// Relocated lists data roots that now live elsewhere and must be
	// persisted to the config.
	Relocated RootMapping
}

func newReport(op, runID string, now time.Time) *Report {
	return &Report{Operation: op, RunID: runID, StartedAt: now}
}

// begin starts a new phase result attached to the report.
func (r *Report) begin(p Phase) *PhaseResult {
	res := &PhaseResult{Phase: p, Status: StatusOK}
	r.Phases = append(r.Phases, res)
	return res
}

// Phase returns the result for p, or nil when the phase never ran.
func (r *Report) Phase(p Phase) *PhaseResult {
	for _, res := range r.Phases {
		if res.Phase == p {
			return res
		}
	}
	return nil
}

// stack returns the outcome entry for name, creating it when needed.
func (r *Report) stack(name string) *StackOutcome {
	for _, s := range r.Stacks {
		if s.Name == name {
			return s
		}
	}
	s := &StackOutcome{Name: name}
	r.Stacks = append(r.Stacks, s)
	return s
}

// FailedStacks returns the target stacks that did not come up.
func (r *Report) FailedStacks() []string {
	var names []string
	for _, s := range r.Stacks {
		if !s.Up {
			names = append(names, s.Name)
		}
	}
	return names
}

// Outcome escalates accumulated phase results. Any failed phase fails the
// whole operation; warnings stay a success; partial phases make it partial.
func (r *Report) Outcome() Outcome {
	out := OutcomeSuccess
	for _, p := range r.Phases {
		switch p.Status {
		case StatusFailed:
			return OutcomeFailed
		case StatusPartial:
			out = OutcomePartial
		}
	}
	return out
}

// Summary is a one-line, operator-facing statement of the resulting state.
func (r *Report) Summary() string {
	var parts []string
	for _, p := range r.Phases {
		if p.Status == StatusFailed {
			parts = append(parts, fmt.Sprintf("failed in phase %s", p.Phase))
			break
		}
	}
	if r.Operation == "restore" || r.Operation == "migrate" {
		done, notDone := "files restored", "files not restored"
		if r.Operation == "migrate" {
			done, notDone = "data moved", "data not moved"
		}
		if r.FilesRestored {
			parts = append(parts, done)
		} else {
			parts = append(parts, notDone)
		}
		if len(r.Removed) > 0 {
			parts = append(parts, fmt.Sprintf("%d stack(s) removed", len(r.Removed)))
		}
		if len(r.Stacks) > 0 {
			failed := len(r.FailedStacks())
			if failed == 0 {
				parts = append(parts, fmt.Sprintf("all %d stacks running", len(r.Stacks)))
			} else {
				parts = append(parts, fmt.Sprintf("%d of %d stacks failed to start", failed, len(r.Stacks)))
			}
		}
	}
	if r.SnapshotID != "" && r.Operation == "backup" {
		parts = append(parts, "snapshot "+r.SnapshotID)
	}
	if len(parts) == 0 {
		return string(r.Outcome())
	}
	return strings.Join(parts, ", ")
}
