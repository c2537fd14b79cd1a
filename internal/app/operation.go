package app

import (
	"errors"

	"github.com/google/uuid"

	"rewind/internal/rewind"
)

// Exit codes of the rewind command.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
	ExitLocked  = 3
)

// Operation tracks one CLI invocation. Its run ID tags every log line, and
// the engine records it in operation history, so both can be correlated.
type Operation struct {
	RunID      string
	Command    string
	Parameters string
	Status     string // "running", then the engine outcome or "failed"
}

// NewOperation creates a new in-memory operation with a fresh run ID.
func NewOperation(command, parameters string) *Operation {
	return &Operation{
		RunID:      uuid.New().String(),
		Command:    command,
		Parameters: parameters,
		Status:     "running",
	}
}

// New returns the run ID. An Operation is the engine's IDGenerator, so the
// history row and the log lines of one invocation share an ID.
func (op *Operation) New() string {
	return op.RunID
}

// Finish records the outcome of the engine call.
func (op *Operation) Finish(report *rewind.Report, err error) {
	switch {
	case err != nil:
		op.Status = string(rewind.OutcomeFailed)
	case report != nil:
		op.Status = string(report.Outcome())
	default:
		op.Status = string(rewind.OutcomeSuccess)
	}
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return op.Status != "running"
}

// ExitCode maps an engine result to the process exit status.
func ExitCode(report *rewind.Report, err error) int {
	if errors.Is(err, rewind.ErrLocked) {
		return ExitLocked
	}
	if err != nil {
		return ExitFailed
	}
	if report == nil {
		return ExitOK
	}
	switch report.Outcome() {
	case rewind.OutcomeFailed:
		return ExitFailed
	case rewind.OutcomePartial:
		return ExitPartial
	}
	return ExitOK
}
