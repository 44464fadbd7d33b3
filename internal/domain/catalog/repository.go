package catalog

import (
	"context"
	"errors"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// ErrEntryNotFound is returned when no entry exists for a (scope, hash) key.
var ErrEntryNotFound = errors.New("catalog entry not found")

// UpsertOutcome tells a caller whether its observation was new.
type UpsertOutcome string

const (
	// UpsertInserted means the artifact had not been cataloged before.
	UpsertInserted UpsertOutcome = "inserted"
	// UpsertUpdated means the artifact was rediscovered and merged.
	UpsertUpdated UpsertOutcome = "updated"
)

// UpsertResult reports the outcome of one upsert.
type UpsertResult struct {
	Outcome          UpsertOutcome
	RediscoveryCount int
}

// BatchItemResult reports the outcome for one entry of a batch. Err is set
// when that item failed; other items proceed regardless.
type BatchItemResult struct {
	ContentHash string
	Result      UpsertResult
	Err         error
}

// Repository is the persistence contract for the catalog. Implementations
// must serialize concurrent writes to the same (scope id, content hash) key:
// multiple worker processes race on rediscoveries, and the read-check-write
// merge has to be atomic at the store, not in the caller.
type Repository interface {
	// Upsert inserts a first observation or folds a rediscovery into the
	// existing row per CatalogEntry.RecordRediscovery semantics.
	Upsert(ctx context.Context, entry CatalogEntry) (UpsertResult, error)

	// UpsertBatch processes entries independently and reports per-item
	// outcomes, index-aligned with entries; a failing item never aborts
	// the rest.
	UpsertBatch(ctx context.Context, entries []CatalogEntry) ([]BatchItemResult, error)

	// GetEntry loads one entry or returns ErrEntryNotFound.
	GetEntry(ctx context.Context, scopeID uuid.UUID, contentHash string) (*CatalogEntry, error)

	// ListLive pages through entries whose enrichment marks them live,
	// ordered by first discovery. It backs paginated-fetch seeding.
	ListLive(ctx context.Context, scopeID uuid.UUID, offset, limit int) ([]CatalogEntry, error)
}
