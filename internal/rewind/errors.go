package rewind

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked is returned when another backup, restore or migrate holds the lock.
	ErrLocked = errors.New("another rewind operation is in progress")

	// ErrAuthRejected means the control plane permanently refused our credentials.
	ErrAuthRejected = errors.New("control plane rejected credentials")

	// ErrNotConfirmed is returned when a destructive step was not confirmed.
	ErrNotConfirmed = errors.New("operation not confirmed")

	// ErrSnapshotNotFound is returned when a snapshot selector matches nothing.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrArchMismatch is returned only when the mismatch policy is "abort".
	ErrArchMismatch = errors.New("snapshot architecture differs from this host")
)

// PhaseError reports the phase a fatal failure happened in together with
// the state the system was left in.
type PhaseError struct {
	Phase Phase
	State string
	Err   error
}

func (e *PhaseError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s failed: %v (system state: %s)", e.Phase, e.Err, e.State)
}

func (e *PhaseError) Unwrap() error { return e.Err }
