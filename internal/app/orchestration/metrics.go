package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/corvusec/scanhive/internal/infra/stream/redis"
)

// OrchestrationMetrics defines the metrics operations needed by the
// orchestrator and its job watchers.
type OrchestrationMetrics interface {
	// Messaging metrics
	redis.BusMetrics

	// Job lifecycle metrics.
	IncJobsCreated(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context)
	IncJobsCancelled(ctx context.Context)
	ObserveJobDuration(ctx context.Context, duration time.Duration)

	// Worker launch metrics.
	IncStageLaunched(ctx context.Context, stage string)

	// Status writer metrics.
	IncStatusWriteFailures(ctx context.Context)
}

// orchestrationMetrics implements OrchestrationMetrics.
type orchestrationMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	jobsCreated   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsCancelled metric.Int64Counter
	jobDuration   metric.Float64Histogram

	stageLaunches metric.Int64Counter

	statusWriteFailures metric.Int64Counter
}

const namespace = "scan_orchestrator"

// NewOrchestrationMetrics creates a new orchestration metrics instance.
func NewOrchestrationMetrics(mp metric.MeterProvider) (*orchestrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestrationMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of stream messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of stream messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of stream publish failures"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of stream consume failures"),
	); err != nil {
		return nil, err
	}

	if m.jobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of scan jobs accepted"),
	); err != nil {
		return nil, err
	}

	if m.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of scan jobs that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of scan jobs that failed"),
	); err != nil {
		return nil, err
	}

	if m.jobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Total number of scan jobs cancelled by request"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from job acceptance to its terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.stageLaunches, err = meter.Int64Counter(
		"stage_launches_total",
		metric.WithDescription("Total number of stage workers launched"),
	); err != nil {
		return nil, err
	}

	if m.statusWriteFailures, err = meter.Int64Counter(
		"status_write_failures_total",
		metric.WithDescription("Total number of job status updates that could not be persisted"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func keyAttr(key string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream_key", key))
}

func (m *orchestrationMetrics) IncMessagePublished(ctx context.Context, key string) {
	m.messagesPublished.Add(ctx, 1, keyAttr(key))
}

func (m *orchestrationMetrics) IncMessageConsumed(ctx context.Context, key string) {
	m.messagesConsumed.Add(ctx, 1, keyAttr(key))
}

func (m *orchestrationMetrics) IncPublishError(ctx context.Context, key string) {
	m.publishErrors.Add(ctx, 1, keyAttr(key))
}

func (m *orchestrationMetrics) IncConsumeError(ctx context.Context, key string) {
	m.consumeErrors.Add(ctx, 1, keyAttr(key))
}

func (m *orchestrationMetrics) IncJobsCreated(ctx context.Context) {
	m.jobsCreated.Add(ctx, 1)
}

func (m *orchestrationMetrics) IncJobsCompleted(ctx context.Context) {
	m.jobsCompleted.Add(ctx, 1)
}

func (m *orchestrationMetrics) IncJobsFailed(ctx context.Context) {
	m.jobsFailed.Add(ctx, 1)
}

func (m *orchestrationMetrics) IncJobsCancelled(ctx context.Context) {
	m.jobsCancelled.Add(ctx, 1)
}

func (m *orchestrationMetrics) ObserveJobDuration(ctx context.Context, duration time.Duration) {
	m.jobDuration.Record(ctx, duration.Seconds())
}

func (m *orchestrationMetrics) IncStageLaunched(ctx context.Context, stage string) {
	m.stageLaunches.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *orchestrationMetrics) IncStatusWriteFailures(ctx context.Context) {
	m.statusWriteFailures.Add(ctx, 1)
}
