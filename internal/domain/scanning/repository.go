// Package scanning provides domain types and interfaces for managing scan jobs.
// It defines the core abstractions needed to coordinate multi-stage scans,
// track their lifecycle, and persist their state.
package scanning

import (
	"context"
	"errors"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// ErrJobNotFound is returned when a requested job does not exist.
var ErrJobNotFound = errors.New("scan job not found")

// JobRepository defines the persistence operations for scan jobs.
// It provides an abstraction layer over the storage mechanism used to maintain
// job state and history.
type JobRepository interface {
	// CreateJob inserts a new job record, setting status and initial timestamps.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob modifies an existing job's fields (status, failure reason, stage results).
	UpdateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job's current state.
	// Returns ErrJobNotFound when no job with the given ID exists.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// ListJobs retrieves recent jobs ordered by creation time, newest first.
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
}
