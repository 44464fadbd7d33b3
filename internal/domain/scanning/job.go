package scanning

import (
	"fmt"
	"time"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// Job coordinates and tracks a multi-stage scan over a set of seed targets.
// It owns the job lifecycle state machine and aggregates per-stage outcomes.
type Job struct {
	jobID   uuid.UUID
	scopeID uuid.UUID

	targets []string
	modules []pipeline.StageKind

	status        JobStatus
	failureReason string

	profiles     map[pipeline.StageKind]pipeline.Profile
	stageResults map[pipeline.StageKind]int64

	timeline *Timeline
}

// NewJob creates a pending Job for the given scope, targets, and requested modules.
func NewJob(jobID, scopeID uuid.UUID, targets []string, modules []pipeline.StageKind) *Job {
	return &Job{
		jobID:        jobID,
		scopeID:      scopeID,
		targets:      append([]string(nil), targets...),
		modules:      append([]pipeline.StageKind(nil), modules...),
		status:       JobStatusPending,
		profiles:     make(map[pipeline.StageKind]pipeline.Profile),
		stageResults: make(map[pipeline.StageKind]int64),
		timeline:     NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructJob creates a Job from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID, scopeID uuid.UUID,
	targets []string,
	modules []pipeline.StageKind,
	status JobStatus,
	failureReason string,
	profiles map[pipeline.StageKind]pipeline.Profile,
	stageResults map[pipeline.StageKind]int64,
	timeline *Timeline,
) *Job {
	if profiles == nil {
		profiles = make(map[pipeline.StageKind]pipeline.Profile)
	}
	if stageResults == nil {
		stageResults = make(map[pipeline.StageKind]int64)
	}
	return &Job{
		jobID:         jobID,
		scopeID:       scopeID,
		targets:       targets,
		modules:       modules,
		status:        status,
		failureReason: failureReason,
		profiles:      profiles,
		stageResults:  stageResults,
		timeline:      timeline,
	}
}

// JobID returns the unique identifier for this scan job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// ScopeID returns the identifier of the scope this job scans within.
func (j *Job) ScopeID() uuid.UUID { return j.scopeID }

// Targets returns a copy of the seed targets this job was submitted with.
func (j *Job) Targets() []string { return append([]string(nil), j.targets...) }

// Modules returns a copy of the stages requested for this job.
func (j *Job) Modules() []pipeline.StageKind { return append([]pipeline.StageKind(nil), j.modules...) }

// Status returns the current execution status of the scan job.
func (j *Job) Status() JobStatus { return j.status }

// FailureReason returns the recorded cause when the job is failed, otherwise "".
func (j *Job) FailureReason() string { return j.failureReason }

// CreatedAt returns when this scan job was accepted.
func (j *Job) CreatedAt() time.Time { return j.timeline.CreatedAt() }

// StartTime returns when the first worker for this job launched.
// The zero time means no worker has launched yet.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when this scan job reached a terminal state.
// A job only has an end time if it's in a terminal state.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
// This method is primarily used for constructing detailed job views.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// StageProfiles returns a copy of the resource profile chosen for each stage.
func (j *Job) StageProfiles() map[pipeline.StageKind]pipeline.Profile {
	out := make(map[pipeline.StageKind]pipeline.Profile, len(j.profiles))
	for k, v := range j.profiles {
		out[k] = v
	}
	return out
}

// StageResults returns a copy of the result counts reported per stage so far.
func (j *Job) StageResults() map[pipeline.StageKind]int64 {
	out := make(map[pipeline.StageKind]int64, len(j.stageResults))
	for k, v := range j.stageResults {
		out[k] = v
	}
	return out
}

// SetStageProfile records the resource profile assigned to a stage at launch time.
func (j *Job) SetStageProfile(stage pipeline.StageKind, profile pipeline.Profile) {
	j.profiles[stage] = profile
	j.timeline.UpdateLastUpdate()
}

// RecordStageResults accumulates results reported by a stage's completion marker.
// Counts add up across batch workers of the same stage.
func (j *Job) RecordStageResults(stage pipeline.StageKind, count int64) {
	j.stageResults[stage] += count
	j.timeline.UpdateLastUpdate()
}

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.validateTransition(newStatus); err != nil {
		return err
	}

	// Mark the start time when leaving pending for running as this represents
	// the beginning of actual job execution.
	if j.status == JobStatusPending && newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
	}

	// Mark completion time when transitioning to a terminal state.
	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	}

	j.status = newStatus
	return nil
}

// MarkRunning transitions the job to running when its first worker launches.
func (j *Job) MarkRunning() error {
	if err := j.UpdateStatus(JobStatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// Complete transitions the job to completed once every stage has finished.
func (j *Job) Complete() error {
	if err := j.UpdateStatus(JobStatusCompleted); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail transitions the job to failed and records the cause.
// Results already persisted by earlier stages remain untouched.
func (j *Job) Fail(reason string) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	j.failureReason = reason
	return nil
}

// Cancel transitions the job to cancelled in response to an operator request.
func (j *Job) Cancel() error {
	if err := j.UpdateStatus(JobStatusCancelled); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}
