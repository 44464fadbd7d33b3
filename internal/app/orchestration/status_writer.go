package orchestration

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

const (
	statusWriterBuffer = 256

	defaultWriteRetryInterval = 100 * time.Millisecond
	defaultWriteRetryBudget   = 3 * time.Second
)

// statusWriter persists job snapshots on a dedicated goroutine so watchers
// never block on storage. Writes retry with exponential backoff; a write that
// exhausts its budget is logged and counted, never fatal. Every enqueued
// snapshot carries the job's full state, so a dropped or failed write is
// superseded by the next one.
type statusWriter struct {
	repo scanning.JobRepository

	ch   chan *scanning.Job
	done chan struct{}

	retryInterval time.Duration
	retryBudget   time.Duration

	logger  *logger.Logger
	metrics OrchestrationMetrics
}

func newStatusWriter(repo scanning.JobRepository, log *logger.Logger, metrics OrchestrationMetrics) *statusWriter {
	return &statusWriter{
		repo:          repo,
		ch:            make(chan *scanning.Job, statusWriterBuffer),
		done:          make(chan struct{}),
		retryInterval: defaultWriteRetryInterval,
		retryBudget:   defaultWriteRetryBudget,
		logger:        log.With("component", "status_writer"),
		metrics:       metrics,
	}
}

// Start begins consuming enqueued snapshots until ctx ends.
func (w *statusWriter) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop blocks until the writer has drained its queue after its context ended.
func (w *statusWriter) Stop() {
	<-w.done
}

// Enqueue captures the job's current state and hands it to the writer
// goroutine. The snapshot is taken synchronously on the caller's goroutine;
// the watcher keeps mutating its job instance while older snapshots persist.
// A full queue drops the update.
func (w *statusWriter) Enqueue(job *scanning.Job) {
	snapshot := snapshotJob(job)
	select {
	case w.ch <- snapshot:
	default:
		w.metrics.IncStatusWriteFailures(context.Background())
		w.logger.Warn(context.Background(), "StatusWriter: Queue full, dropping update",
			"job_id", job.JobID().String(),
			"status", string(job.Status()),
		)
	}
}

func (w *statusWriter) loop(ctx context.Context) {
	for {
		select {
		case job := <-w.ch:
			w.persist(ctx, job)
		case <-ctx.Done():
			w.drain()
			close(w.done)
			return
		}
	}
}

// drain flushes whatever is still queued at shutdown on a fresh bounded
// context. Terminal snapshots enqueue last, so flushing in order lands the
// final state.
func (w *statusWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.retryBudget)
	defer cancel()

	for {
		select {
		case job := <-w.ch:
			w.persist(ctx, job)
		default:
			return
		}
	}
}

func (w *statusWriter) persist(ctx context.Context, job *scanning.Job) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = w.retryInterval
	expBackoff.MaxElapsedTime = w.retryBudget

	operation := func() error {
		return w.repo.UpdateJob(ctx, job)
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		w.metrics.IncStatusWriteFailures(ctx)
		w.logger.Error(ctx, "StatusWriter: Persisting job status failed",
			"job_id", job.JobID().String(),
			"status", string(job.Status()),
			"err", err,
		)
	}
}

// snapshotJob deep-copies a job through its reconstruction constructor. The
// accessor methods already copy their slices and maps, so the snapshot shares
// no mutable state with the original.
func snapshotJob(job *scanning.Job) *scanning.Job {
	tl := job.GetTimeline()
	timeline := scanning.ReconstructTimeline(
		tl.CreatedAt(),
		tl.StartedAt(),
		tl.CompletedAt(),
		tl.LastUpdate(),
		scanning.NewTimeProvider(),
	)
	return scanning.ReconstructJob(
		job.JobID(),
		job.ScopeID(),
		job.Targets(),
		job.Modules(),
		job.Status(),
		job.FailureReason(),
		job.StageProfiles(),
		job.StageResults(),
		timeline,
	)
}
