// Package orchestration coordinates scan jobs end to end. It expands a
// submission into a validated stage graph, sizes and launches one worker per
// stage (or per batch partition), and supervises launcher handles and stage
// output streams until every job reaches a terminal state.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// orchestratorGroup is the consumer group the orchestrator reads stage output
// streams under. It is separate from the downstream stages' groups, so marker
// observation never competes with stage consumption.
const orchestratorGroup = "orchestrator"

var (
	errOrchestratorStopped = errors.New("orchestrator stopped")
	errCancelRequested     = errors.New("job cancellation requested")
)

// Config tunes job supervision. The zero value is usable; unset fields fall
// back to defaults.
type Config struct {
	// PollInterval is how often a job watcher polls worker status and drains
	// stage output streams for completion markers.
	PollInterval time.Duration

	// MarkerReadBlock is how long one marker read blocks per stream before
	// returning empty.
	MarkerReadBlock time.Duration

	// MaxJobDuration is the wall clock ceiling for one job. A job still
	// running past it is failed and its workers are stopped.
	MaxJobDuration time.Duration

	// PageSize is the catalog page size handed to paginated-fetch stages.
	PageSize int

	// CredentialSets names the credential pool each stage draws from. Stages
	// without an entry call no rate-limited APIs.
	CredentialSets map[pipeline.StageKind]string
}

const (
	defaultPollInterval    = 2 * time.Second
	defaultMarkerReadBlock = 100 * time.Millisecond
	defaultMaxJobDuration  = 4 * time.Hour
	defaultPageSize        = 500
)

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MarkerReadBlock <= 0 {
		c.MarkerReadBlock = defaultMarkerReadBlock
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = defaultMaxJobDuration
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
}

// Orchestrator owns the scan job lifecycle: submission, launch, supervision,
// and cancellation. Workers are separate processes reached only through the
// launcher contract and the stream bus; the orchestrator never blocks on any
// single worker.
type Orchestrator struct {
	cfg Config

	bus      stream.Bus
	jobs     scanning.JobRepository
	launcher pipeline.Launcher

	writer *statusWriter

	mu       sync.Mutex
	watches  map[uuid.UUID]*jobWatch
	lifeCtx  context.Context
	lifeStop context.CancelCauseFunc
	wg       sync.WaitGroup

	logger  *logger.Logger
	metrics OrchestrationMetrics
	tracer  trace.Tracer
}

// NewOrchestrator builds an orchestrator from its collaborators. Call Start
// before submitting jobs.
func NewOrchestrator(
	cfg Config,
	bus stream.Bus,
	jobs scanning.JobRepository,
	launcher pipeline.Launcher,
	log *logger.Logger,
	metrics OrchestrationMetrics,
	tracer trace.Tracer,
) (*Orchestrator, error) {
	if bus == nil {
		return nil, fmt.Errorf("orchestrator: missing stream bus")
	}
	if jobs == nil {
		return nil, fmt.Errorf("orchestrator: missing job repository")
	}
	if launcher == nil {
		return nil, fmt.Errorf("orchestrator: missing launcher")
	}

	cfg.applyDefaults()
	componentLogger := log.With("component", "orchestrator")

	return &Orchestrator{
		cfg:      cfg,
		bus:      bus,
		jobs:     jobs,
		launcher: launcher,
		writer:   newStatusWriter(jobs, componentLogger, metrics),
		watches:  make(map[uuid.UUID]*jobWatch),
		logger:   componentLogger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Start begins the background status writer and scopes the lifetime of every
// job watcher to ctx. Starting twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lifeCtx != nil {
		return
	}
	o.lifeCtx, o.lifeStop = context.WithCancelCause(ctx)
	o.writer.Start(o.lifeCtx)
	o.logger.Info(ctx, "Orchestrator: Started")
}

// Stop interrupts every watcher and drains the status writer. Launched
// workers keep running; stopping them is an explicit Cancel call, not a
// shutdown side effect.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop := o.lifeStop
	o.mu.Unlock()
	if stop == nil {
		return
	}

	stop(errOrchestratorStopped)
	o.wg.Wait()
	o.writer.Stop()
	o.logger.Info(context.Background(), "Orchestrator: Stopped")
}

// Submit accepts a scan over the given targets. It validates the requested
// modules into a stage graph, persists the pending job, launches the job's
// workers, and hands the running job to an async watcher. Configuration
// errors surface before anything is persisted or launched; the returned job
// id is immediately queryable through Status.
func (o *Orchestrator) Submit(
	ctx context.Context,
	scopeID uuid.UUID,
	targets []string,
	modules []pipeline.StageKind,
) (uuid.UUID, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(
			attribute.String("scope_id", scopeID.String()),
			attribute.Int("target_count", len(targets)),
			attribute.Int("module_count", len(modules)),
		))
	defer span.End()

	o.mu.Lock()
	lifeCtx := o.lifeCtx
	o.mu.Unlock()
	if lifeCtx == nil {
		return uuid.Nil, fmt.Errorf("submit: orchestrator not started")
	}

	if scopeID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("submit: missing scope id")
	}
	if len(targets) == 0 {
		return uuid.Nil, fmt.Errorf("submit: no targets")
	}

	graph, err := pipeline.BuildGraph(modules)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid module list")
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	jobID := uuid.New()
	span.SetAttributes(attribute.String("job_id", jobID.String()))
	job := scanning.NewJob(jobID, scopeID, targets, modules)

	specWaves, err := o.buildSpecs(job, graph)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "building worker specs")
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	// The per-stage profile is sized from the total in-scope count; partition
	// specs carry their own sizes.
	for _, s := range graph.Stages() {
		job.SetStageProfile(s.Kind, pipeline.ProfileFor(len(targets)))
	}

	if err := o.jobs.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting job")
		return uuid.Nil, fmt.Errorf("submit: creating job %s: %w", jobID, err)
	}
	o.metrics.IncJobsCreated(ctx)
	o.logger.Info(ctx, "Orchestrator: Job accepted",
		"job_id", jobID.String(),
		"scope_id", scopeID.String(),
		"targets", len(targets),
		"stages", len(graph.Stages()),
	)

	watch, err := o.launchJob(ctx, job, graph, specWaves)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launching job")
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	watchCtx, cancel := context.WithCancelCause(lifeCtx)
	watch.cancel = cancel

	o.mu.Lock()
	o.watches[jobID] = watch
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.unregister(jobID)
		watch.run(watchCtx)
	}()

	span.SetStatus(codes.Ok, "job launched")
	return jobID, nil
}

// Status returns the stored snapshot of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	return job, nil
}

// Cancel requests cooperative termination of a job. Running workers receive a
// stop signal; catalog entries already written stay where they are. Cancelling
// a job that is already cancelled is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	o.mu.Lock()
	watch := o.watches[jobID]
	o.mu.Unlock()

	if watch != nil {
		watch.cancel(errCancelRequested)
		o.logger.Info(ctx, "Orchestrator: Cancellation requested", "job_id", jobID.String())
		return nil
	}

	// No live watch: the job never launched here or already settled. Drive
	// the stored aggregate directly.
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel: %w", err)
	}
	if job.Status() == scanning.JobStatusCancelled {
		return nil
	}
	if err := job.Cancel(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel: persisting job %s: %w", jobID, err)
	}
	o.metrics.IncJobsCancelled(ctx)
	o.logger.Info(ctx, "Orchestrator: Job cancelled", "job_id", jobID.String())
	return nil
}

// buildSpecs expands the graph into launch descriptors, one slice per launch
// wave. Stages above the partition cap fan out into one spec per batch;
// stream consumers always launch as a single worker reading the upstream
// group.
func (o *Orchestrator) buildSpecs(job *scanning.Job, graph *pipeline.Graph) ([][]pipeline.WorkerSpec, error) {
	targets := job.Targets()

	levels := graph.Levels()
	waves := make([][]pipeline.WorkerSpec, 0, len(levels))
	for _, level := range levels {
		specs := make([]pipeline.WorkerSpec, 0, len(level))
		for _, stage := range level {
			stageSpecs, err := o.stageSpecs(job, stage, targets)
			if err != nil {
				return nil, err
			}
			specs = append(specs, stageSpecs...)
		}
		waves = append(waves, specs)
	}
	return waves, nil
}

// stageSpecs builds the specs for one stage. The execution mode follows the
// graph: a stage bound to an upstream consumes that stage's output stream,
// enumeration seeds itself from the submitted targets, and any other unbound
// stage pages the catalog's live entries.
func (o *Orchestrator) stageSpecs(job *scanning.Job, stage pipeline.Stage, targets []string) ([]pipeline.WorkerSpec, error) {
	total := len(targets)
	base := pipeline.SpecParams{
		JobID:         job.JobID(),
		ScopeID:       job.ScopeID(),
		Stage:         stage.Kind,
		OutputStream:  pipeline.OutputStreamKey(job.JobID(), stage.Kind),
		CredentialSet: o.cfg.CredentialSets[stage.Kind],
		TotalTargets:  total,
	}

	if stage.HasUpstream() {
		base.Mode = pipeline.ModeStreamConsumer
		base.InputStream = pipeline.OutputStreamKey(job.JobID(), stage.Upstream)
		base.ConsumerGroup = stage.Kind.String()
		base.Profile = pipeline.ProfileFor(total)
		base.BatchCount = 1
		spec, err := pipeline.NewWorkerSpec(base)
		if err != nil {
			return nil, err
		}
		return []pipeline.WorkerSpec{spec}, nil
	}

	if stage.Kind == pipeline.StageEnumeration {
		batches := pipeline.PartitionTargets(targets)
		specs := make([]pipeline.WorkerSpec, 0, len(batches))
		for i, batch := range batches {
			p := base
			p.Mode = pipeline.ModeDirectInput
			p.Seeds = batch
			p.Profile = pipeline.ProfileFor(len(batch))
			p.BatchIndex = i
			p.BatchCount = len(batches)
			spec, err := pipeline.NewWorkerSpec(p)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}

	partitions := (total + pipeline.MaxBatchDomains - 1) / pipeline.MaxBatchDomains
	perWorker := (total + partitions - 1) / partitions
	specs := make([]pipeline.WorkerSpec, 0, partitions)
	for i := range partitions {
		p := base
		p.Mode = pipeline.ModePaginatedFetch
		p.PageSize = o.cfg.PageSize
		p.Profile = pipeline.ProfileFor(perWorker)
		p.BatchIndex = i
		p.BatchCount = partitions
		spec, err := pipeline.NewWorkerSpec(p)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// launchJob ensures the orchestrator's marker groups, starts every worker
// wave by wave, and returns the watch that will supervise them. Any launch
// failure tears the job down: a partially launched graph would wait forever
// on stages that never start.
func (o *Orchestrator) launchJob(
	ctx context.Context,
	job *scanning.Job,
	graph *pipeline.Graph,
	specWaves [][]pipeline.WorkerSpec,
) (*jobWatch, error) {
	jobID := job.JobID()

	// Groups are created before any worker can publish, so the watcher's
	// reads begin at the top of each stream.
	for _, s := range graph.Stages() {
		key := pipeline.OutputStreamKey(jobID, s.Kind)
		if err := o.bus.EnsureGroup(ctx, key, orchestratorGroup); err != nil {
			err = fmt.Errorf("ensuring %s group on %s: %w", orchestratorGroup, key, err)
			o.abortLaunch(ctx, job, nil, err)
			return nil, err
		}
	}

	var workers []*stageWorker
	running := false
	for _, wave := range specWaves {
		handles := make([]pipeline.Handle, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		for i, spec := range wave {
			g.Go(func() error {
				handle, err := o.launcher.Launch(gctx, spec)
				if err != nil {
					return fmt.Errorf("launching %s worker %d: %w", spec.Stage(), spec.BatchIndex(), err)
				}
				handles[i] = handle
				o.metrics.IncStageLaunched(gctx, spec.Stage().String())
				return nil
			})
		}
		err := g.Wait()

		for i, spec := range wave {
			if handles[i] == "" {
				continue
			}
			workers = append(workers, &stageWorker{stage: spec.Stage(), handle: handles[i]})
		}
		if err != nil {
			o.abortLaunch(ctx, job, workers, err)
			return nil, err
		}

		if !running {
			running = true
			if err := job.MarkRunning(); err != nil {
				o.logger.Error(ctx, "Orchestrator: Running transition rejected", "job_id", jobID.String(), "err", err)
			}
			o.writer.Enqueue(job)
		}
	}

	o.logger.Info(ctx, "Orchestrator: Workers launched", "job_id", jobID.String(), "workers", len(workers))
	return newJobWatch(job, workers, o.bus, o.launcher, o.writer, o.cfg, o.logger, o.metrics, o.tracer), nil
}

// abortLaunch tears down a partially launched job: the workers that did start
// are stopped and the job is failed. The failed snapshot goes through the
// status writer so it lands after any earlier snapshot of the same job.
func (o *Orchestrator) abortLaunch(ctx context.Context, job *scanning.Job, launched []*stageWorker, cause error) {
	for _, worker := range launched {
		if err := o.launcher.Stop(ctx, worker.handle); err != nil {
			o.logger.Warn(ctx, "Orchestrator: Stopping worker during abort failed",
				"handle", string(worker.handle),
				"err", err,
			)
		}
	}

	if err := job.Fail(cause.Error()); err != nil {
		o.logger.Error(ctx, "Orchestrator: Fail transition rejected during abort", "job_id", job.JobID().String(), "err", err)
		return
	}
	o.metrics.IncJobsFailed(ctx)
	o.writer.Enqueue(job)
	o.logger.Error(ctx, "Orchestrator: Job aborted at launch", "job_id", job.JobID().String(), "err", cause)
}

func (o *Orchestrator) unregister(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.watches, jobID)
	o.mu.Unlock()
}
