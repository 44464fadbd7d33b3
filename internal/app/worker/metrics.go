package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/corvusec/scanhive/internal/infra/stream/redis"
)

// WorkerMetrics defines the metrics operations a stage worker records.
type WorkerMetrics interface {
	// Messaging metrics
	redis.BusMetrics

	// Pipeline metrics
	IncArtifactsDiscovered(ctx context.Context, stage string, count int)
	IncArtifactsPersisted(ctx context.Context, stage string)
	IncArtifactsSkipped(ctx context.Context, stage string)
	IncDedupHits(ctx context.Context, stage string)
	IncPersistenceFailures(ctx context.Context, stage string)
	IncToolErrors(ctx context.Context, stage string)
	ObserveToolDuration(ctx context.Context, stage string, duration time.Duration)
	ObserveBatchSize(ctx context.Context, stage string, size int)
}

// workerMetrics implements WorkerMetrics.
type workerMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Pipeline metrics
	artifactsDiscovered metric.Int64Counter
	artifactsPersisted  metric.Int64Counter
	artifactsSkipped    metric.Int64Counter
	dedupHits           metric.Int64Counter
	persistenceFailures metric.Int64Counter
	toolErrors          metric.Int64Counter
	toolDuration        metric.Float64Histogram
	batchSize           metric.Int64Histogram
}

const namespace = "scan_worker"

// NewWorkerMetrics creates a new worker metrics instance.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	w := new(workerMetrics)
	var err error

	if w.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of stream messages published"),
	); err != nil {
		return nil, err
	}

	if w.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of stream messages consumed"),
	); err != nil {
		return nil, err
	}

	if w.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of stream publish errors"),
	); err != nil {
		return nil, err
	}

	if w.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of stream consume errors"),
	); err != nil {
		return nil, err
	}

	if w.artifactsDiscovered, err = meter.Int64Counter(
		"artifacts_discovered_total",
		metric.WithDescription("Total number of artifacts stage tools discovered"),
	); err != nil {
		return nil, err
	}

	if w.artifactsPersisted, err = meter.Int64Counter(
		"artifacts_persisted_total",
		metric.WithDescription("Total number of artifacts written to the catalog"),
	); err != nil {
		return nil, err
	}

	if w.artifactsSkipped, err = meter.Int64Counter(
		"artifacts_skipped_total",
		metric.WithDescription("Total number of artifacts dropped as malformed or failed"),
	); err != nil {
		return nil, err
	}

	if w.dedupHits, err = meter.Int64Counter(
		"dedup_hits_total",
		metric.WithDescription("Total number of upserts that merged into an existing catalog row"),
	); err != nil {
		return nil, err
	}

	if w.persistenceFailures, err = meter.Int64Counter(
		"persistence_failures_total",
		metric.WithDescription("Total number of catalog writes that failed after retries"),
	); err != nil {
		return nil, err
	}

	if w.toolErrors, err = meter.Int64Counter(
		"tool_errors_total",
		metric.WithDescription("Total number of stage tool invocations that failed"),
	); err != nil {
		return nil, err
	}

	if w.toolDuration, err = meter.Float64Histogram(
		"tool_duration_seconds",
		metric.WithDescription("Time taken by stage tool invocations"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if w.batchSize, err = meter.Int64Histogram(
		"batch_size",
		metric.WithDescription("Number of inputs per stage tool invocation"),
	); err != nil {
		return nil, err
	}

	return w, nil
}

func stageAttr(stage string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

func keyAttr(key string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream_key", key))
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, key string) {
	m.messagesPublished.Add(ctx, 1, keyAttr(key))
}

func (m *workerMetrics) IncMessageConsumed(ctx context.Context, key string) {
	m.messagesConsumed.Add(ctx, 1, keyAttr(key))
}

func (m *workerMetrics) IncPublishError(ctx context.Context, key string) {
	m.publishErrors.Add(ctx, 1, keyAttr(key))
}

func (m *workerMetrics) IncConsumeError(ctx context.Context, key string) {
	m.consumeErrors.Add(ctx, 1, keyAttr(key))
}

func (m *workerMetrics) IncArtifactsDiscovered(ctx context.Context, stage string, count int) {
	m.artifactsDiscovered.Add(ctx, int64(count), stageAttr(stage))
}

func (m *workerMetrics) IncArtifactsPersisted(ctx context.Context, stage string) {
	m.artifactsPersisted.Add(ctx, 1, stageAttr(stage))
}

func (m *workerMetrics) IncArtifactsSkipped(ctx context.Context, stage string) {
	m.artifactsSkipped.Add(ctx, 1, stageAttr(stage))
}

func (m *workerMetrics) IncDedupHits(ctx context.Context, stage string) {
	m.dedupHits.Add(ctx, 1, stageAttr(stage))
}

func (m *workerMetrics) IncPersistenceFailures(ctx context.Context, stage string) {
	m.persistenceFailures.Add(ctx, 1, stageAttr(stage))
}

func (m *workerMetrics) IncToolErrors(ctx context.Context, stage string) {
	m.toolErrors.Add(ctx, 1, stageAttr(stage))
}

func (m *workerMetrics) ObserveToolDuration(ctx context.Context, stage string, duration time.Duration) {
	m.toolDuration.Record(ctx, duration.Seconds(), stageAttr(stage))
}

func (m *workerMetrics) ObserveBatchSize(ctx context.Context, stage string, size int) {
	m.batchSize.Record(ctx, int64(size), stageAttr(stage))
}
