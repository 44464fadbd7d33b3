// Package memory provides an in-memory implementation of the scan job
// repository for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// JobStore keeps scan jobs in a map guarded by a mutex. Jobs are snapshotted
// on the way in and out so callers never mutate stored state directly.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*scanning.Job
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*scanning.Job)}
}

var _ scanning.JobRepository = (*JobStore)(nil)

// CreateJob persists a new scan job.
func (s *JobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID()]; exists {
		return fmt.Errorf("scan job %s already exists", job.JobID())
	}
	s.jobs[job.JobID()] = snapshot(job)
	return nil
}

// UpdateJob saves a job's mutable fields or returns scanning.ErrJobNotFound.
func (s *JobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID()]; !exists {
		return scanning.ErrJobNotFound
	}
	s.jobs[job.JobID()] = snapshot(job)
	return nil
}

// GetJob retrieves a job by ID or returns scanning.ErrJobNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, scanning.ErrJobNotFound
	}
	return snapshot(job), nil
}

// ListJobs returns the most recently created jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, limit int) ([]*scanning.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*scanning.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, snapshot(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt().After(jobs[j].CreatedAt())
	})
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// snapshot deep-copies a job through its reconstruction path. The aggregate's
// getters already copy slices and maps, so the snapshot shares no state with
// the original.
func snapshot(job *scanning.Job) *scanning.Job {
	tl := job.GetTimeline()
	timeline := scanning.ReconstructTimeline(
		tl.CreatedAt(), tl.StartedAt(), tl.CompletedAt(), tl.LastUpdate(),
		scanning.NewTimeProvider(),
	)
	return scanning.ReconstructJob(
		job.JobID(), job.ScopeID(), job.Targets(), job.Modules(),
		job.Status(), job.FailureReason(), job.StageProfiles(), job.StageResults(),
		timeline,
	)
}
