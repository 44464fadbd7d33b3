// Package postgres provides the PostgreSQL-backed catalog repository.
// Rows are keyed by (scope id, content hash); rediscoveries merge under a row
// lock so concurrent workers never lose counters or enrichment.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/infra/storage"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

var _ catalog.Repository = (*catalogStore)(nil)

type catalogStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewCatalogStore creates a PostgreSQL-backed catalog repository with tracing capabilities.
func NewCatalogStore(pool *pgxpool.Pool, tracer trace.Tracer) *catalogStore {
	return &catalogStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// maxUpsertAttempts bounds the insert-race retry. Two writers can both miss
// the existence check and insert; the loser retries once and merges instead.
const maxUpsertAttempts = 2

// Upsert inserts a first observation or merges a rediscovery into the
// existing row. The merge happens under SELECT ... FOR UPDATE so concurrent
// rediscoveries of the same artifact serialize.
func (s *catalogStore) Upsert(ctx context.Context, entry catalog.CatalogEntry) (catalog.UpsertResult, error) {
	if err := entry.Validate(); err != nil {
		return catalog.UpsertResult{}, err
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scope_id", entry.ScopeID.String()),
		attribute.String("content_hash", entry.ContentHash),
	)

	var result catalog.UpsertResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.catalog_upsert", dbAttrs, func(ctx context.Context) error {
		var err error
		for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
			result, err = s.upsertOnce(ctx, entry)
			if err == nil || !isUniqueViolation(err) {
				return err
			}
			// A concurrent writer inserted the same key between our existence
			// check and insert; the next attempt takes the merge path.
		}
		return err
	})
	return result, err
}

func (s *catalogStore) upsertOnce(ctx context.Context, entry catalog.CatalogEntry) (catalog.UpsertResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return catalog.UpsertResult{}, fmt.Errorf("begin transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectForUpdate = `
		SELECT canonical_value, discovered_by, first_seen, last_seen, rediscovery_count,
		       status_code, content_type, content_length
		FROM catalog_entries
		WHERE scope_id = $1 AND content_hash = $2
		FOR UPDATE`

	var (
		canonical     string
		discoveredBy  string
		firstSeen     time.Time
		lastSeen      time.Time
		count         int64
		statusCode    pgtype.Int4
		contentType   pgtype.Text
		contentLength pgtype.Int8
	)
	err = tx.QueryRow(ctx, selectForUpdate, pgtype.UUID{Bytes: entry.ScopeID, Valid: true}, entry.ContentHash).Scan(
		&canonical, &discoveredBy, &firstSeen, &lastSeen, &count,
		&statusCode, &contentType, &contentLength,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		const insert = `
			INSERT INTO catalog_entries (
				scope_id, content_hash, canonical_value, discovered_by,
				first_seen, last_seen, rediscovery_count,
				status_code, content_type, content_length
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		if _, err := tx.Exec(ctx, insert,
			pgtype.UUID{Bytes: entry.ScopeID, Valid: true}, entry.ContentHash, entry.CanonicalValue, entry.DiscoveredBy,
			entry.FirstSeen, entry.LastSeen, entry.RediscoveryCount,
			int4FromPtr(entry.Enrichment.StatusCode),
			textFromPtr(entry.Enrichment.ContentType),
			int8FromPtr(entry.Enrichment.ContentLength),
		); err != nil {
			return catalog.UpsertResult{}, fmt.Errorf("catalog insert error: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return catalog.UpsertResult{}, fmt.Errorf("commit error: %w", err)
		}
		return catalog.UpsertResult{Outcome: catalog.UpsertInserted, RediscoveryCount: entry.RediscoveryCount}, nil

	case err != nil:
		return catalog.UpsertResult{}, fmt.Errorf("catalog select error: %w", err)
	}

	existing := catalog.CatalogEntry{
		ScopeID:          entry.ScopeID,
		ContentHash:      entry.ContentHash,
		CanonicalValue:   canonical,
		DiscoveredBy:     discoveredBy,
		FirstSeen:        firstSeen,
		LastSeen:         lastSeen,
		RediscoveryCount: int(count),
		Enrichment: catalog.Enrichment{
			StatusCode:    ptrFromInt4(statusCode),
			ContentType:   ptrFromText(contentType),
			ContentLength: ptrFromInt8(contentLength),
		},
	}
	existing.RecordRediscovery(entry.LastSeen, entry.Enrichment)

	const update = `
		UPDATE catalog_entries
		SET last_seen = $3, rediscovery_count = $4,
		    status_code = $5, content_type = $6, content_length = $7
		WHERE scope_id = $1 AND content_hash = $2`
	if _, err := tx.Exec(ctx, update,
		pgtype.UUID{Bytes: entry.ScopeID, Valid: true}, entry.ContentHash,
		existing.LastSeen, existing.RediscoveryCount,
		int4FromPtr(existing.Enrichment.StatusCode),
		textFromPtr(existing.Enrichment.ContentType),
		int8FromPtr(existing.Enrichment.ContentLength),
	); err != nil {
		return catalog.UpsertResult{}, fmt.Errorf("catalog update error: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return catalog.UpsertResult{}, fmt.Errorf("commit error: %w", err)
	}
	return catalog.UpsertResult{Outcome: catalog.UpsertUpdated, RediscoveryCount: existing.RediscoveryCount}, nil
}

// UpsertBatch processes entries independently and reports per-item outcomes.
// A failing item never aborts the rest of the batch.
func (s *catalogStore) UpsertBatch(ctx context.Context, entries []catalog.CatalogEntry) ([]catalog.BatchItemResult, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("batch_size", len(entries)))

	results := make([]catalog.BatchItemResult, 0, len(entries))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.catalog_upsert_batch", dbAttrs, func(ctx context.Context) error {
		for _, entry := range entries {
			res, err := s.Upsert(ctx, entry)
			results = append(results, catalog.BatchItemResult{
				ContentHash: entry.ContentHash,
				Result:      res,
				Err:         err,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetEntry loads one entry or returns catalog.ErrEntryNotFound.
func (s *catalogStore) GetEntry(ctx context.Context, scopeID uuid.UUID, contentHash string) (*catalog.CatalogEntry, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scope_id", scopeID.String()),
		attribute.String("content_hash", contentHash),
	)

	var entry *catalog.CatalogEntry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.catalog_get_entry", dbAttrs, func(ctx context.Context) error {
		const query = `
			SELECT canonical_value, discovered_by, first_seen, last_seen, rediscovery_count,
			       status_code, content_type, content_length
			FROM catalog_entries
			WHERE scope_id = $1 AND content_hash = $2`

		var (
			canonical     string
			discoveredBy  string
			firstSeen     time.Time
			lastSeen      time.Time
			count         int64
			statusCode    pgtype.Int4
			contentType   pgtype.Text
			contentLength pgtype.Int8
		)
		err := s.db.QueryRow(ctx, query, pgtype.UUID{Bytes: scopeID, Valid: true}, contentHash).Scan(
			&canonical, &discoveredBy, &firstSeen, &lastSeen, &count,
			&statusCode, &contentType, &contentLength,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("catalog get query error: %w", err)
		}

		entry = &catalog.CatalogEntry{
			ScopeID:          scopeID,
			ContentHash:      contentHash,
			CanonicalValue:   canonical,
			DiscoveredBy:     discoveredBy,
			FirstSeen:        firstSeen,
			LastSeen:         lastSeen,
			RediscoveryCount: int(count),
			Enrichment: catalog.Enrichment{
				StatusCode:    ptrFromInt4(statusCode),
				ContentType:   ptrFromText(contentType),
				ContentLength: ptrFromInt8(contentLength),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListLive pages through entries whose enrichment marks them live, ordered by
// first discovery. The content hash breaks ties so pagination is stable.
func (s *catalogStore) ListLive(ctx context.Context, scopeID uuid.UUID, offset, limit int) ([]catalog.CatalogEntry, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scope_id", scopeID.String()),
		attribute.Int("offset", offset),
		attribute.Int("limit", limit),
	)

	var entries []catalog.CatalogEntry
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.catalog_list_live", dbAttrs, func(ctx context.Context) error {
		const query = `
			SELECT content_hash, canonical_value, discovered_by, first_seen, last_seen, rediscovery_count,
			       status_code, content_type, content_length
			FROM catalog_entries
			WHERE scope_id = $1 AND status_code IS NOT NULL AND status_code < 400
			ORDER BY first_seen, content_hash
			LIMIT $2 OFFSET $3`

		rows, err := s.db.Query(ctx, query, pgtype.UUID{Bytes: scopeID, Valid: true}, limit, offset)
		if err != nil {
			return fmt.Errorf("catalog list query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e             catalog.CatalogEntry
				count         int64
				statusCode    pgtype.Int4
				contentType   pgtype.Text
				contentLength pgtype.Int8
			)
			if err := rows.Scan(
				&e.ContentHash, &e.CanonicalValue, &e.DiscoveredBy,
				&e.FirstSeen, &e.LastSeen, &count,
				&statusCode, &contentType, &contentLength,
			); err != nil {
				return fmt.Errorf("catalog list scan error: %w", err)
			}
			e.ScopeID = scopeID
			e.RediscoveryCount = int(count)
			e.Enrichment = catalog.Enrichment{
				StatusCode:    ptrFromInt4(statusCode),
				ContentType:   ptrFromText(contentType),
				ContentLength: ptrFromInt8(contentLength),
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func int4FromPtr(v *int) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*v), Valid: true}
}

func textFromPtr(v *string) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *v, Valid: true}
}

func int8FromPtr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func ptrFromInt4(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func ptrFromText(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrFromInt8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
