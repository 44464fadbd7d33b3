package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/internal/infra/storage"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

func setupJobTest(t *testing.T) (context.Context, *pgxpool.Pool, *jobStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewJobStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func createTestJob(t *testing.T) *scanning.Job {
	t.Helper()
	return scanning.NewJob(
		uuid.New(),
		uuid.New(),
		[]string{"example.com", "example.org"},
		[]pipeline.StageKind{pipeline.StageEnumeration, pipeline.StageDNS},
	)
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t)
	err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, job.ScopeID(), loaded.ScopeID())
	assert.Equal(t, scanning.JobStatusPending, loaded.Status())
	assert.Equal(t, job.Targets(), loaded.Targets())
	assert.Equal(t, job.Modules(), loaded.Modules())
	assert.Empty(t, loaded.FailureReason())
	assert.True(t, loaded.StartTime().IsZero(), "new jobs should not have a start time")
	assert.WithinDuration(t, job.CreatedAt(), loaded.CreatedAt(), time.Millisecond)
}

func TestJobStore_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	_, err := store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestJobStore_UpdateJob_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t)
	err := store.UpdateJob(ctx, job)
	require.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestJobStore_UpdateJob_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t)
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, job.MarkRunning())
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusRunning, loaded.Status())
	assert.False(t, loaded.StartTime().IsZero(), "running jobs must record when they started")
	_, done := loaded.EndTime()
	assert.False(t, done)

	require.NoError(t, job.Complete())
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err = store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, loaded.Status())
	end, done := loaded.EndTime()
	assert.True(t, done)
	assert.False(t, end.IsZero())
}

func TestJobStore_UpdateJob_RecordsFailureReason(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.Fail("wall clock ceiling exceeded"))
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusFailed, loaded.Status())
	assert.Equal(t, "wall clock ceiling exceeded", loaded.FailureReason())
}

func TestJobStore_PersistsProfilesAndResults(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t)
	job.SetStageProfile(pipeline.StageEnumeration, pipeline.Profile{CPUUnits: 512, MemoryMB: 1024})
	job.SetStageProfile(pipeline.StageDNS, pipeline.Profile{CPUUnits: 256, MemoryMB: 512})
	require.NoError(t, store.CreateJob(ctx, job))

	job.RecordStageResults(pipeline.StageEnumeration, 42)
	job.RecordStageResults(pipeline.StageEnumeration, 8)
	job.RecordStageResults(pipeline.StageDNS, 17)
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)

	profiles := loaded.StageProfiles()
	assert.Equal(t, pipeline.Profile{CPUUnits: 512, MemoryMB: 1024}, profiles[pipeline.StageEnumeration])
	assert.Equal(t, pipeline.Profile{CPUUnits: 256, MemoryMB: 512}, profiles[pipeline.StageDNS])

	results := loaded.StageResults()
	assert.Equal(t, int64(50), results[pipeline.StageEnumeration])
	assert.Equal(t, int64(17), results[pipeline.StageDNS])
}

func TestJobStore_ListJobs(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	base := time.Now().UTC().Truncate(time.Microsecond)
	ids := make([]uuid.UUID, 3)
	for i := range 3 {
		created := base.Add(time.Duration(i) * time.Minute)
		timeline := scanning.ReconstructTimeline(created, time.Time{}, time.Time{}, created, &mockTimeProvider{current: created})
		job := scanning.ReconstructJob(
			uuid.New(), uuid.New(),
			[]string{"example.com"},
			[]pipeline.StageKind{pipeline.StageEnumeration},
			scanning.JobStatusPending, "",
			nil, nil, timeline,
		)
		require.NoError(t, store.CreateJob(ctx, job))
		ids[i] = job.JobID()
	}

	jobs, err := store.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].JobID(), "newest job comes first")
	assert.Equal(t, ids[1], jobs[1].JobID())
}
