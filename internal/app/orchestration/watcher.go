package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// markerReadCount bounds one marker read. Stage output streams carry mostly
// data messages; reading in large chunks keeps the watcher's lag behind a
// chatty stage small.
const markerReadCount = 256

// stopGrace bounds worker teardown during cancellation. The watch context is
// already dead by then, so the stop calls run on their own deadline.
const stopGrace = 5 * time.Second

// stageWorker tracks one launched worker until its exit is observed.
type stageWorker struct {
	stage  pipeline.StageKind
	handle pipeline.Handle
	exited bool
}

// jobWatch supervises a single running job: it polls worker lifecycle state,
// drains completion markers from every stage output stream, and drives the
// job aggregate to its terminal state. Each watch owns its job instance
// exclusively; the status writer sees only snapshots.
type jobWatch struct {
	job     *scanning.Job
	workers []*stageWorker

	stages   []pipeline.StageKind
	expected map[pipeline.StageKind]int
	markers  map[pipeline.StageKind]int

	bus      stream.Bus
	launcher pipeline.Launcher
	writer   *statusWriter

	pollInterval time.Duration
	readBlock    time.Duration
	deadline     time.Time
	maxDuration  time.Duration

	consumer string
	cancel   context.CancelCauseFunc

	logger  *logger.Logger
	metrics OrchestrationMetrics
	tracer  trace.Tracer
}

func newJobWatch(
	job *scanning.Job,
	workers []*stageWorker,
	bus stream.Bus,
	launcher pipeline.Launcher,
	writer *statusWriter,
	cfg Config,
	log *logger.Logger,
	metrics OrchestrationMetrics,
	tracer trace.Tracer,
) *jobWatch {
	expected := make(map[pipeline.StageKind]int)
	for _, w := range workers {
		expected[w.stage]++
	}
	stages := make([]pipeline.StageKind, 0, len(expected))
	for _, s := range job.Modules() {
		if _, ok := expected[s]; ok {
			stages = append(stages, s)
		}
	}

	return &jobWatch{
		job:          job,
		workers:      workers,
		stages:       stages,
		expected:     expected,
		markers:      make(map[pipeline.StageKind]int),
		bus:          bus,
		launcher:     launcher,
		writer:       writer,
		pollInterval: cfg.PollInterval,
		readBlock:    cfg.MarkerReadBlock,
		deadline:     time.Now().Add(cfg.MaxJobDuration),
		maxDuration:  cfg.MaxJobDuration,
		consumer:     fmt.Sprintf("orchestrator-%s", job.JobID()),
		logger:       log.With("component", "job_watch", "job_id", job.JobID().String()),
		metrics:      metrics,
		tracer:       tracer,
	}
}

// run supervises the job until it settles or ctx ends. A cancellation cause
// of errCancelRequested tears the workers down and marks the job cancelled;
// any other cause is an orchestrator shutdown and leaves the stored job
// untouched for the next incarnation to pick up.
func (w *jobWatch) run(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "job_watch.run",
		trace.WithAttributes(
			attribute.String("job_id", w.job.JobID().String()),
			attribute.Int("workers", len(w.workers)),
		))
	defer span.End()

	w.logger.Info(ctx, "JobWatch: Supervising job", "workers", len(w.workers), "stages", len(w.stages))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), errCancelRequested) {
				w.cancelJob()
			}
			return
		case <-ticker.C:
			if done := w.poll(ctx); done {
				return
			}
		}
	}
}

// poll advances the watch one tick: deadline check, marker drain, worker
// status sweep, completion check. It reports true once the job is terminal.
func (w *jobWatch) poll(ctx context.Context) bool {
	if time.Now().After(w.deadline) {
		reason := fmt.Sprintf("wall clock ceiling of %s exceeded", w.maxDuration)
		return w.failJob(ctx, reason, true)
	}

	w.drainMarkers(ctx)

	if failed, reason := w.pollWorkers(ctx); failed {
		// Sibling stages keep running: their results are already landing in
		// the catalog and stay valid for the scope.
		return w.failJob(ctx, reason, false)
	}

	if w.allStagesComplete() {
		w.completeJob(ctx)
		return true
	}
	return false
}

// drainMarkers reads each stage output stream under the orchestrator group
// until it runs dry, recording any completion markers found. Data messages
// are acknowledged and skipped; the downstream stages consume them under
// their own groups.
func (w *jobWatch) drainMarkers(ctx context.Context) {
	for _, stage := range w.stages {
		key := pipeline.OutputStreamKey(w.job.JobID(), stage)
		for {
			envelopes, err := w.bus.Read(ctx, key, orchestratorGroup, w.consumer, w.readBlock, markerReadCount)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn(ctx, "JobWatch: Reading stage stream failed", "stream", key, "err", err)
				break
			}
			if len(envelopes) == 0 {
				break
			}

			ids := make([]string, 0, len(envelopes))
			for _, env := range envelopes {
				ids = append(ids, env.ID)
				if !env.Msg.IsCompletion() {
					continue
				}
				w.markers[stage]++
				w.job.RecordStageResults(stage, env.Msg.TotalResults)
				w.logger.Info(ctx, "JobWatch: Stage completion observed",
					"stage", stage.String(),
					"total_results", env.Msg.TotalResults,
					"markers", w.markers[stage],
					"expected", w.expected[stage],
				)
				w.writer.Enqueue(w.job)
			}
			if err := w.bus.Ack(ctx, key, orchestratorGroup, ids...); err != nil {
				w.logger.Warn(ctx, "JobWatch: Acking stage stream failed", "stream", key, "err", err)
			}
		}
	}
}

// pollWorkers sweeps launcher status for every worker not yet seen exiting.
// The first nonzero exit fails the whole job.
func (w *jobWatch) pollWorkers(ctx context.Context) (bool, string) {
	for _, worker := range w.workers {
		if worker.exited {
			continue
		}
		status, err := w.launcher.Status(ctx, worker.handle)
		if err != nil {
			w.logger.Warn(ctx, "JobWatch: Worker status check failed",
				"stage", worker.stage.String(),
				"handle", string(worker.handle),
				"err", err,
			)
			continue
		}
		if status.State != pipeline.WorkerExited {
			continue
		}
		worker.exited = true
		if status.Failed() {
			return true, fmt.Sprintf("stage %s worker exited with code %d", worker.stage, status.ExitCode)
		}
		w.logger.Info(ctx, "JobWatch: Worker exited cleanly", "stage", worker.stage.String(), "handle", string(worker.handle))
	}
	return false, ""
}

// allStagesComplete requires every stage's full marker count and every worker
// exit. Marker counts alone are not enough: a worker publishes its marker
// before terminating, and completion must never race a straggler that could
// still fail.
func (w *jobWatch) allStagesComplete() bool {
	for stage, want := range w.expected {
		if w.markers[stage] < want {
			return false
		}
	}
	for _, worker := range w.workers {
		if !worker.exited {
			return false
		}
	}
	return true
}

func (w *jobWatch) completeJob(ctx context.Context) {
	if err := w.job.Complete(); err != nil {
		w.logger.Error(ctx, "JobWatch: Complete transition rejected", "err", err)
		return
	}
	w.metrics.IncJobsCompleted(ctx)
	w.observeDuration(ctx)
	w.writer.Enqueue(w.job)

	results := make(map[string]int64, len(w.job.StageResults()))
	for stage, total := range w.job.StageResults() {
		results[stage.String()] = total
	}
	w.logger.Info(ctx, "JobWatch: Job completed", "stage_results", results)
}

func (w *jobWatch) failJob(ctx context.Context, reason string, stopWorkers bool) bool {
	if stopWorkers {
		w.stopWorkers(ctx)
	}
	if err := w.job.Fail(reason); err != nil {
		w.logger.Error(ctx, "JobWatch: Fail transition rejected", "err", err)
		return true
	}
	w.metrics.IncJobsFailed(ctx)
	w.observeDuration(ctx)
	w.writer.Enqueue(w.job)
	w.logger.Error(ctx, "JobWatch: Job failed", "reason", reason)
	return true
}

// cancelJob runs after the watch context is already cancelled, so teardown
// gets a fresh deadline-bound context of its own.
func (w *jobWatch) cancelJob() {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	w.stopWorkers(ctx)
	if err := w.job.Cancel(); err != nil {
		w.logger.Error(ctx, "JobWatch: Cancel transition rejected", "err", err)
		return
	}
	w.metrics.IncJobsCancelled(ctx)
	w.observeDuration(ctx)
	w.writer.Enqueue(w.job)
	w.logger.Info(ctx, "JobWatch: Job cancelled")
}

func (w *jobWatch) stopWorkers(ctx context.Context) {
	for _, worker := range w.workers {
		if worker.exited {
			continue
		}
		if err := w.launcher.Stop(ctx, worker.handle); err != nil {
			w.logger.Warn(ctx, "JobWatch: Stopping worker failed",
				"stage", worker.stage.String(),
				"handle", string(worker.handle),
				"err", err,
			)
		}
	}
}

func (w *jobWatch) observeDuration(ctx context.Context) {
	end, ok := w.job.EndTime()
	if !ok {
		return
	}
	w.metrics.ObserveJobDuration(ctx, end.Sub(w.job.CreatedAt()))
}
