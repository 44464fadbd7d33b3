// Package postgres provides the PostgreSQL-backed scan job repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/internal/infra/storage"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

var _ scanning.JobRepository = (*jobStore)(nil)

type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// profileDoc is the JSONB shape for one stage's resource profile.
type profileDoc struct {
	CPUUnits int `json:"cpu_units"`
	MemoryMB int `json:"memory_mb"`
}

// CreateJob persists a new scan job.
func (s *jobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", job.Status().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_job", dbAttrs, func(ctx context.Context) error {
		profiles, err := encodeProfiles(job.StageProfiles())
		if err != nil {
			return err
		}
		results, err := json.Marshal(stageResultDocs(job.StageResults()))
		if err != nil {
			return fmt.Errorf("encode stage results: %w", err)
		}

		const query = `
			INSERT INTO scan_jobs (
				job_id, scope_id, status, targets, modules,
				stage_profiles, stage_results, failure_reason,
				created_at, updated_at, started_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		_, err = s.db.Exec(ctx, query,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			pgtype.UUID{Bytes: job.ScopeID(), Valid: true},
			job.Status().String(),
			job.Targets(), moduleNames(job.Modules()),
			profiles, results, job.FailureReason(),
			job.CreatedAt(), job.LastUpdateTime(),
			nullableTime(job.StartTime()), completedAt(job),
		)
		if err != nil {
			return fmt.Errorf("create scan job error: %w", err)
		}
		return nil
	})
}

// UpdateJob saves a job's mutable fields. Identity, targets and modules are
// fixed at submission and never rewritten.
func (s *jobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", job.Status().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_job", dbAttrs, func(ctx context.Context) error {
		profiles, err := encodeProfiles(job.StageProfiles())
		if err != nil {
			return err
		}
		results, err := json.Marshal(stageResultDocs(job.StageResults()))
		if err != nil {
			return fmt.Errorf("encode stage results: %w", err)
		}

		const query = `
			UPDATE scan_jobs
			SET status = $2, failure_reason = $3,
			    stage_profiles = $4, stage_results = $5,
			    updated_at = $6, started_at = $7, completed_at = $8
			WHERE job_id = $1`
		ct, err := s.db.Exec(ctx, query,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			job.Status().String(), job.FailureReason(),
			profiles, results,
			job.LastUpdateTime(), nullableTime(job.StartTime()), completedAt(job),
		)
		if err != nil {
			return fmt.Errorf("update scan job error: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// GetJob retrieves a job by ID or returns scanning.ErrJobNotFound.
func (s *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_job", dbAttrs, func(ctx context.Context) error {
		const query = `
			SELECT scope_id, status, targets, modules,
			       stage_profiles, stage_results, failure_reason,
			       created_at, updated_at, started_at, completed_at
			FROM scan_jobs
			WHERE job_id = $1`

		var row jobRow
		err := s.db.QueryRow(ctx, query, pgtype.UUID{Bytes: jobID, Valid: true}).Scan(
			&row.scopeID, &row.status, &row.targets, &row.modules,
			&row.profiles, &row.results, &row.failureReason,
			&row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("get scan job error: %w", err)
		}

		job, err = row.assemble(jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the most recently created jobs, newest first.
func (s *jobStore) ListJobs(ctx context.Context, limit int) ([]*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit))

	var jobs []*scanning.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_jobs", dbAttrs, func(ctx context.Context) error {
		const query = `
			SELECT job_id, scope_id, status, targets, modules,
			       stage_profiles, stage_results, failure_reason,
			       created_at, updated_at, started_at, completed_at
			FROM scan_jobs
			ORDER BY created_at DESC
			LIMIT $1`

		rows, err := s.db.Query(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("list scan jobs error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				jobID pgtype.UUID
				row   jobRow
			)
			if err := rows.Scan(
				&jobID, &row.scopeID, &row.status, &row.targets, &row.modules,
				&row.profiles, &row.results, &row.failureReason,
				&row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt,
			); err != nil {
				return fmt.Errorf("list scan jobs scan error: %w", err)
			}
			job, err := row.assemble(uuid.UUID(jobID.Bytes))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// jobRow holds the raw column values of one scan_jobs row.
type jobRow struct {
	scopeID       pgtype.UUID
	status        string
	targets       []string
	modules       []string
	profiles      []byte
	results       []byte
	failureReason string
	createdAt     time.Time
	updatedAt     time.Time
	startedAt     pgtype.Timestamptz
	completedAt   pgtype.Timestamptz
}

// assemble rebuilds the domain aggregate from raw column values.
func (r jobRow) assemble(jobID uuid.UUID) (*scanning.Job, error) {
	status := scanning.ParseJobStatus(r.status)
	if status == "" {
		return nil, fmt.Errorf("scan job %s: unknown status %q", jobID, r.status)
	}

	modules := make([]pipeline.StageKind, 0, len(r.modules))
	for _, name := range r.modules {
		kind, err := pipeline.ParseStageKind(name)
		if err != nil {
			return nil, fmt.Errorf("scan job %s: %w", jobID, err)
		}
		modules = append(modules, kind)
	}

	profiles, err := decodeProfiles(r.profiles)
	if err != nil {
		return nil, fmt.Errorf("scan job %s: %w", jobID, err)
	}

	var resultDocs map[string]int64
	if err := json.Unmarshal(r.results, &resultDocs); err != nil {
		return nil, fmt.Errorf("scan job %s: decode stage results: %w", jobID, err)
	}
	results := make(map[pipeline.StageKind]int64, len(resultDocs))
	for name, count := range resultDocs {
		kind, err := pipeline.ParseStageKind(name)
		if err != nil {
			return nil, fmt.Errorf("scan job %s: %w", jobID, err)
		}
		results[kind] = count
	}

	timeline := scanning.ReconstructTimeline(
		r.createdAt,
		timeOrZero(r.startedAt),
		timeOrZero(r.completedAt),
		r.updatedAt,
		scanning.NewTimeProvider(),
	)

	return scanning.ReconstructJob(
		jobID, uuid.UUID(r.scopeID.Bytes), r.targets, modules,
		status, r.failureReason, profiles, results, timeline,
	), nil
}

func encodeProfiles(profiles map[pipeline.StageKind]pipeline.Profile) ([]byte, error) {
	docs := make(map[string]profileDoc, len(profiles))
	for kind, p := range profiles {
		docs[kind.String()] = profileDoc{CPUUnits: p.CPUUnits, MemoryMB: p.MemoryMB}
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("encode stage profiles: %w", err)
	}
	return raw, nil
}

func decodeProfiles(raw []byte) (map[pipeline.StageKind]pipeline.Profile, error) {
	var docs map[string]profileDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode stage profiles: %w", err)
	}
	profiles := make(map[pipeline.StageKind]pipeline.Profile, len(docs))
	for name, doc := range docs {
		kind, err := pipeline.ParseStageKind(name)
		if err != nil {
			return nil, err
		}
		profiles[kind] = pipeline.Profile{CPUUnits: doc.CPUUnits, MemoryMB: doc.MemoryMB}
	}
	return profiles, nil
}

func stageResultDocs(results map[pipeline.StageKind]int64) map[string]int64 {
	docs := make(map[string]int64, len(results))
	for kind, count := range results {
		docs[kind.String()] = count
	}
	return docs
}

func moduleNames(modules []pipeline.StageKind) []string {
	names := make([]string, len(modules))
	for i, kind := range modules {
		names[i] = kind.String()
	}
	return names
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func completedAt(job *scanning.Job) pgtype.Timestamptz {
	if end, ok := job.EndTime(); ok {
		return pgtype.Timestamptz{Time: end, Valid: true}
	}
	return pgtype.Timestamptz{}
}

func timeOrZero(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
