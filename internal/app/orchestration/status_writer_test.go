package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	scanmem "github.com/corvusec/scanhive/internal/infra/storage/scanning/memory"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// flakyJobStore fails a set number of updates before delegating to the real
// store.
type flakyJobStore struct {
	*scanmem.JobStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyJobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return errors.New("connection reset")
	}
	return s.JobStore.UpdateJob(ctx, job)
}

func (s *flakyJobStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestJob() *scanning.Job {
	return scanning.NewJob(uuid.New(), uuid.New(),
		[]string{"example.com"},
		[]pipeline.StageKind{pipeline.StageEnumeration})
}

func startWriter(t *testing.T, sw *statusWriter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sw.Stop()
	})
}

func TestStatusWriter_RetriesFailedWrites(t *testing.T) {
	t.Parallel()

	store := &flakyJobStore{JobStore: scanmem.NewJobStore(), failures: 2}
	metrics := newMockMetrics()

	job := newTestJob()
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, job.MarkRunning())

	sw := newStatusWriter(store, logger.Noop(), metrics)
	sw.retryInterval = 5 * time.Millisecond
	sw.retryBudget = 500 * time.Millisecond
	startWriter(t, sw)

	sw.Enqueue(job)

	require.Eventually(t, func() bool {
		stored, err := store.GetJob(context.Background(), job.JobID())
		return err == nil && stored.Status() == scanning.JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond, "update never landed despite retry budget")

	assert.GreaterOrEqual(t, store.attempts(), 3, "two failures then a success")
	assert.Equal(t, 0, metrics.snapshot().writeFails, "recovered writes are not failures")
}

func TestStatusWriter_ExhaustedRetriesAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	store := &flakyJobStore{JobStore: scanmem.NewJobStore(), failures: 1 << 20}
	metrics := newMockMetrics()

	sw := newStatusWriter(store, logger.Noop(), metrics)
	sw.retryInterval = time.Millisecond
	sw.retryBudget = 10 * time.Millisecond
	startWriter(t, sw)

	sw.Enqueue(newTestJob())
	require.Eventually(t, func() bool {
		return metrics.snapshot().writeFails >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The loop must survive an exhausted retry and keep consuming.
	sw.Enqueue(newTestJob())
	require.Eventually(t, func() bool {
		return metrics.snapshot().writeFails >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusWriter_FullQueueDropsUpdate(t *testing.T) {
	t.Parallel()

	metrics := newMockMetrics()
	sw := newStatusWriter(scanmem.NewJobStore(), logger.Noop(), metrics)

	// Never started, so the buffer only fills.
	job := newTestJob()
	for range statusWriterBuffer {
		sw.Enqueue(job)
	}
	assert.Equal(t, 0, metrics.snapshot().writeFails)

	sw.Enqueue(job)
	assert.Equal(t, 1, metrics.snapshot().writeFails, "an overflowing update is dropped and counted")
}

func TestSnapshotJob_IsolatedFromOriginal(t *testing.T) {
	t.Parallel()

	job := newTestJob()
	job.SetStageProfile(pipeline.StageEnumeration, pipeline.ProfileFor(1))
	job.RecordStageResults(pipeline.StageEnumeration, 5)

	snap := snapshotJob(job)
	require.Equal(t, job.JobID(), snap.JobID())
	require.Equal(t, scanning.JobStatusPending, snap.Status())
	require.Equal(t, int64(5), snap.StageResults()[pipeline.StageEnumeration])

	// Later mutations of the live aggregate must not leak into the snapshot.
	require.NoError(t, job.MarkRunning())
	job.RecordStageResults(pipeline.StageEnumeration, 5)

	assert.Equal(t, scanning.JobStatusPending, snap.Status())
	assert.Equal(t, int64(5), snap.StageResults()[pipeline.StageEnumeration])
	assert.Equal(t, scanning.JobStatusRunning, job.Status())
}
