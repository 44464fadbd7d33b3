package scanning

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change violates the job
// lifecycle rules, such as cancelling a job that already finished.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus represents the current state of a scan job. It enables tracking of
// the job lifecycle from submission through completion, failure, or cancellation.
type JobStatus string

const (
	// JobStatusPending indicates a job has been accepted but no worker has launched yet.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates at least one worker for the job has been launched.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates every stage of the job finished successfully.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates an operator stopped the job before it finished.
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ParseJobStatus converts a string to a JobStatus.
// An unrecognized value yields the empty status.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "pending":
		return JobStatusPending
	case "running":
		return JobStatusRunning
	case "completed":
		return JobStatusCompleted
	case "failed":
		return JobStatusFailed
	case "cancelled":
		return JobStatusCancelled
	default:
		return "" // represents unspecified
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// A pending job starts running on its first worker launch, fails when
		// no worker could be launched at all, or is cancelled by an operator.
		return target == JobStatusRunning || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
