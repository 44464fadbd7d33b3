// Package worker executes one pipeline stage: it obtains inputs according to
// the stage's execution mode, invokes the stage tool, folds discoveries into
// the artifact catalog, and republishes canonical values downstream followed
// by a completion marker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// metrics defines the interface for tracking worker pipeline metrics.
type metrics interface {
	IncArtifactsDiscovered(ctx context.Context, stage string, count int)
	IncArtifactsPersisted(ctx context.Context, stage string)
	IncArtifactsSkipped(ctx context.Context, stage string)
	IncDedupHits(ctx context.Context, stage string)
	IncPersistenceFailures(ctx context.Context, stage string)
	IncToolErrors(ctx context.Context, stage string)
	ObserveToolDuration(ctx context.Context, stage string, duration time.Duration)
	ObserveBatchSize(ctx context.Context, stage string, size int)
}

// RunnerConfig tunes the consumption loop. The zero value is usable; unset
// fields fall back to defaults.
type RunnerConfig struct {
	// Consumer is this worker's name within its consumer group. It must be
	// unique among the group's live consumers or deliveries get misattributed
	// during stale claims.
	Consumer string

	// ReadBlock is how long a blocking read waits for new deliveries before
	// returning empty.
	ReadBlock time.Duration

	// ReadCount caps how many deliveries one read returns.
	ReadCount int64

	// ClaimInterval is how often the worker sweeps the group's pending list
	// for deliveries abandoned by crashed consumers.
	ClaimInterval time.Duration

	// ClaimMinIdle is how long a delivery must sit unacknowledged before it
	// becomes claimable.
	ClaimMinIdle time.Duration

	// RequiredEmptyReads is how many consecutive empty reads must follow the
	// upstream completion marker before the worker declares its input done.
	RequiredEmptyReads int

	// PersistRetryInterval is the starting backoff between catalog write
	// retries.
	PersistRetryInterval time.Duration

	// PersistRetryBudget bounds how long a failing catalog write keeps
	// retrying before its batch is dropped.
	PersistRetryBudget time.Duration
}

const (
	defaultReadBlock            = 2 * time.Second
	defaultReadCount            = 64
	defaultClaimInterval        = 15 * time.Second
	defaultClaimMinIdle         = 30 * time.Second
	defaultPersistRetryInterval = 250 * time.Millisecond
	defaultPersistRetryBudget   = 10 * time.Second
)

func (c *RunnerConfig) applyDefaults(spec pipeline.WorkerSpec) {
	if c.Consumer == "" {
		c.Consumer = fmt.Sprintf("%s-worker-%d", spec.Stage(), spec.BatchIndex())
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = defaultReadBlock
	}
	if c.ReadCount <= 0 {
		c.ReadCount = defaultReadCount
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = defaultClaimInterval
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = defaultClaimMinIdle
	}
	if c.PersistRetryInterval <= 0 {
		c.PersistRetryInterval = defaultPersistRetryInterval
	}
	if c.PersistRetryBudget <= 0 {
		c.PersistRetryBudget = defaultPersistRetryBudget
	}
}

// Runner drives a single stage worker from launch to completion marker.
type Runner struct {
	spec    pipeline.WorkerSpec
	cfg     RunnerConfig
	bus     stream.Bus
	catalog catalog.Repository
	tool    Tool

	// results counts the data messages published downstream; the completion
	// marker reports it as the stage's total.
	results int64

	logger  *logger.Logger
	metrics metrics
	tracer  trace.Tracer
}

// NewRunner builds a runner for one worker spec.
func NewRunner(
	spec pipeline.WorkerSpec,
	cfg RunnerConfig,
	bus stream.Bus,
	repo catalog.Repository,
	tool Tool,
	log *logger.Logger,
	metrics metrics,
	tracer trace.Tracer,
) (*Runner, error) {
	if bus == nil {
		return nil, fmt.Errorf("worker runner: missing stream bus")
	}
	if repo == nil {
		return nil, fmt.Errorf("worker runner: missing catalog repository")
	}
	if tool == nil {
		return nil, fmt.Errorf("worker runner: missing stage tool")
	}

	cfg.applyDefaults(spec)
	componentLogger := log.With(
		"component", "worker_runner",
		"job_id", spec.JobID().String(),
		"stage", spec.Stage().String(),
		"mode", spec.Mode().String(),
	)

	return &Runner{
		spec:    spec,
		cfg:     cfg,
		bus:     bus,
		catalog: repo,
		tool:    tool,
		logger:  componentLogger,
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Run executes the stage to completion. It returns nil only after every input
// was processed and the completion marker was published; any transport or
// input-acquisition failure is fatal and surfaces as the worker's exit status.
func (r *Runner) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "worker_runner.run",
		trace.WithAttributes(
			attribute.String("component", "worker_runner"),
			attribute.String("job_id", r.spec.JobID().String()),
			attribute.String("stage", r.spec.Stage().String()),
			attribute.String("mode", r.spec.Mode().String()),
		))
	defer span.End()

	r.logger.Info(ctx, "WorkerRunner: Starting stage", "output_stream", r.spec.OutputStream())

	var err error
	switch r.spec.Mode() {
	case pipeline.ModeDirectInput:
		err = r.runDirect(ctx)
	case pipeline.ModePaginatedFetch:
		err = r.runPaginated(ctx)
	case pipeline.ModeStreamConsumer:
		err = r.runConsumer(ctx)
	default:
		err = fmt.Errorf("unknown execution mode %q", r.spec.Mode())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage execution failed")
		r.logger.Error(ctx, "WorkerRunner: Stage failed", "err", err)
		return err
	}

	marker := stream.NewCompletionMarker(r.spec.JobID(), r.spec.Stage().String(), r.results, time.Now().UTC())
	if err := r.bus.Publish(ctx, r.spec.OutputStream(), marker); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish completion marker")
		return fmt.Errorf("publishing completion marker to %s: %w", r.spec.OutputStream(), err)
	}

	span.SetStatus(codes.Ok, "stage completed")
	r.logger.Info(ctx, "WorkerRunner: Stage completed", "total_results", r.results)
	return nil
}

// runDirect feeds the literal seed list to the tool in one invocation.
func (r *Runner) runDirect(ctx context.Context) error {
	artifacts, err := r.invokeTool(ctx, r.spec.Seeds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The invocation was logged and counted; a stage whose only batch
		// failed still completes, with zero results.
		return nil
	}
	return r.persistAndPublish(ctx, artifacts)
}

// runPaginated pages live catalog entries through the tool until a short page
// signals the end of the scope. Partitioned workloads interleave pages: worker
// i of n takes pages i, i+n, i+2n, so the partitions cover the scope without
// coordinating.
func (r *Runner) runPaginated(ctx context.Context) error {
	pageSize := r.spec.PageSize()
	start := 0
	stride := pageSize
	if n := r.spec.BatchCount(); n > 1 {
		start = pageSize * r.spec.BatchIndex()
		stride = pageSize * n
	}
	for offset := start; ; offset += stride {
		entries, err := r.catalog.ListLive(ctx, r.spec.ScopeID(), offset, pageSize)
		if err != nil {
			return fmt.Errorf("listing live entries at offset %d: %w", offset, err)
		}
		if len(entries) == 0 {
			return nil
		}

		inputs := make([]string, len(entries))
		for i, entry := range entries {
			inputs[i] = entry.CanonicalValue
		}

		artifacts, err := r.invokeTool(ctx, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Page dropped; the cursor still advances so one bad page cannot
			// stall the stage.
		} else if err := r.persistAndPublish(ctx, artifacts); err != nil {
			return err
		}

		if len(entries) < pageSize {
			return nil
		}
	}
}

// runConsumer reads the upstream stage's output through this worker's consumer
// group until completion is authoritative: marker seen, nothing pending, and a
// further empty read.
func (r *Runner) runConsumer(ctx context.Context) error {
	key := r.spec.InputStream()
	group := r.spec.ConsumerGroup()

	if err := r.bus.EnsureGroup(ctx, key, group); err != nil {
		return fmt.Errorf("ensuring consumer group %s on %s: %w", group, key, err)
	}

	lc := logger.NewLoggerContext(r.logger)
	lc.Add("stream", key, "group", group, "consumer", r.cfg.Consumer)

	tracker := stream.NewCompletionTracker(r.cfg.RequiredEmptyReads)
	lastClaim := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(lastClaim) >= r.cfg.ClaimInterval {
			lastClaim = time.Now()
			claimed, err := r.bus.ClaimStale(ctx, key, group, r.cfg.Consumer, r.cfg.ClaimMinIdle, r.cfg.ReadCount)
			switch {
			case err != nil:
				// A failed sweep is retried next interval; the deliveries
				// stay pending and claimable.
				lc.Warn(ctx, "WorkerRunner: Stale claim sweep failed", "err", err)
			case len(claimed) > 0:
				lc.Info(ctx, "WorkerRunner: Claimed stale deliveries", "count", len(claimed))
				if err := r.handleBatch(ctx, lc, tracker, claimed); err != nil {
					return err
				}
			}
		}

		envelopes, err := r.bus.Read(ctx, key, group, r.cfg.Consumer, r.cfg.ReadBlock, r.cfg.ReadCount)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading %s as %s/%s: %w", key, group, r.cfg.Consumer, err)
		}

		if len(envelopes) == 0 {
			pending, err := r.bus.PendingCount(ctx, key, group)
			if err != nil {
				return fmt.Errorf("checking pending count for %s/%s: %w", key, group, err)
			}
			tracker.ObserveEmptyRead(pending)
			if tracker.Done() {
				lc.Info(ctx, "WorkerRunner: Upstream stream complete")
				return nil
			}
			continue
		}

		if err := r.handleBatch(ctx, lc, tracker, envelopes); err != nil {
			return err
		}
	}
}

// handleBatch processes one batch of deliveries and acknowledges all of them.
// Deliveries are acked even when the tool or the catalog rejected their
// artifacts: redelivering a batch the tool cannot process would wedge the
// group and block completion inference forever.
func (r *Runner) handleBatch(ctx context.Context, lc *logger.LoggerContext, tracker *stream.CompletionTracker, envelopes []stream.Envelope) error {
	key := r.spec.InputStream()
	group := r.spec.ConsumerGroup()

	inputs := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		tracker.Observe(env.Msg)
		if env.Msg.IsCompletion() {
			lc.Info(ctx, "WorkerRunner: Upstream completion marker received",
				"source_stage", env.Msg.SourceStage,
				"total_results", env.Msg.TotalResults,
			)
			continue
		}
		inputs = append(inputs, env.Msg.Artifact)
	}

	if len(inputs) > 0 {
		artifacts, err := r.invokeTool(ctx, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else if err := r.persistAndPublish(ctx, artifacts); err != nil {
			return err
		}
	}

	ids := make([]string, len(envelopes))
	for i, env := range envelopes {
		ids[i] = env.ID
	}
	if err := r.bus.Ack(ctx, key, group, ids...); err != nil {
		return fmt.Errorf("acking %d deliveries on %s/%s: %w", len(ids), key, group, err)
	}
	return nil
}

// invokeTool runs the stage tool over one batch of inputs. Errors are logged
// and counted here; callers decide whether the batch is skipped or the stage
// aborts.
func (r *Runner) invokeTool(ctx context.Context, inputs []string) ([]Artifact, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	stage := r.spec.Stage().String()
	r.metrics.ObserveBatchSize(ctx, stage, len(inputs))

	start := time.Now()
	artifacts, err := r.tool.Run(ctx, r.spec.Stage(), inputs)
	r.metrics.ObserveToolDuration(ctx, stage, time.Since(start))
	if err != nil {
		r.metrics.IncToolErrors(ctx, stage)
		r.logger.Error(ctx, "WorkerRunner: Tool invocation failed, dropping batch",
			"inputs", len(inputs),
			"err", err,
		)
		return nil, err
	}

	r.metrics.IncArtifactsDiscovered(ctx, stage, len(artifacts))
	return artifacts, nil
}

// persistAndPublish folds discovered artifacts into the catalog and emits the
// canonical value of each successfully persisted one downstream. Malformed
// artifacts and per-item catalog rejections are skipped; only transport
// failures abort the stage.
func (r *Runner) persistAndPublish(ctx context.Context, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	stage := r.spec.Stage().String()
	observedAt := time.Now().UTC()

	entries := make([]catalog.CatalogEntry, 0, len(artifacts))
	for _, a := range artifacts {
		entry, err := catalog.NewEntry(r.spec.ScopeID(), a.Value, stage, observedAt, a.Enrichment)
		if err != nil {
			r.metrics.IncArtifactsSkipped(ctx, stage)
			r.logger.Warn(ctx, "WorkerRunner: Skipping malformed artifact", "artifact", a.Value, "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	results, err := r.upsertWithRetry(ctx, entries)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The catalog stayed unreachable past the retry budget. The batch is
		// dropped so stream consumption keeps draining; the loss is visible
		// in the failure counter and the stage's result total.
		r.metrics.IncPersistenceFailures(ctx, stage)
		r.logger.Error(ctx, "WorkerRunner: Catalog write failed after retries, dropping batch",
			"entries", len(entries),
			"err", err,
		)
		return nil
	}

	for i, res := range results {
		if res.Err != nil {
			r.metrics.IncArtifactsSkipped(ctx, stage)
			r.logger.Warn(ctx, "WorkerRunner: Catalog rejected artifact",
				"content_hash", res.ContentHash,
				"err", res.Err,
			)
			continue
		}
		r.metrics.IncArtifactsPersisted(ctx, stage)
		if res.Result.Outcome == catalog.UpsertUpdated {
			r.metrics.IncDedupHits(ctx, stage)
		}

		// Rediscoveries republish too. Gating on the insert outcome would
		// drop an artifact for good when a crashed consumer's delivery is
		// replayed and its upsert lands as an update.
		msg := stream.NewDataMessage(r.spec.JobID(), stage, entries[i].CanonicalValue)
		if err := r.bus.Publish(ctx, r.spec.OutputStream(), msg); err != nil {
			return fmt.Errorf("publishing to %s: %w", r.spec.OutputStream(), err)
		}
		r.results++
	}
	return nil
}

// upsertWithRetry writes a batch to the catalog with exponential backoff. A
// batch where every single item failed points at the store rather than the
// data, so it is retried whole; a replayed observation just folds in as a
// rediscovery.
func (r *Runner) upsertWithRetry(ctx context.Context, entries []catalog.CatalogEntry) ([]catalog.BatchItemResult, error) {
	var results []catalog.BatchItemResult

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.cfg.PersistRetryInterval
	expBackoff.MaxElapsedTime = r.cfg.PersistRetryBudget

	operation := func() error {
		var err error
		results, err = r.catalog.UpsertBatch(ctx, entries)
		if err != nil {
			return err
		}
		if itemErr := wholeBatchFailure(results); itemErr != nil {
			return fmt.Errorf("all %d upserts failed: %w", len(results), itemErr)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return results, nil
}

// wholeBatchFailure returns a representative error when every item of a batch
// failed, nil otherwise.
func wholeBatchFailure(results []catalog.BatchItemResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, res := range results {
		if res.Err == nil {
			return nil
		}
	}
	return results[0].Err
}
