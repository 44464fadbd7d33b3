// Package memory provides an in-memory implementation of the catalog
// repository for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

type entryKey struct {
	scopeID uuid.UUID
	hash    string
}

// Store keeps catalog entries in a map guarded by a mutex. Entries are
// deep-copied on the way in and out so callers never share enrichment
// pointers with the store.
type Store struct {
	mu      sync.Mutex
	entries map[entryKey]catalog.CatalogEntry
}

// NewStore creates an empty in-memory catalog store.
func NewStore() *Store {
	return &Store{entries: make(map[entryKey]catalog.CatalogEntry)}
}

var _ catalog.Repository = (*Store)(nil)

// Upsert inserts a first observation or merges a rediscovery.
func (s *Store) Upsert(ctx context.Context, entry catalog.CatalogEntry) (catalog.UpsertResult, error) {
	if err := entry.Validate(); err != nil {
		return catalog.UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{scopeID: entry.ScopeID, hash: entry.ContentHash}
	existing, ok := s.entries[key]
	if !ok {
		s.entries[key] = cloneEntry(entry)
		return catalog.UpsertResult{Outcome: catalog.UpsertInserted, RediscoveryCount: entry.RediscoveryCount}, nil
	}

	existing.RecordRediscovery(entry.LastSeen, entry.Enrichment)
	s.entries[key] = cloneEntry(existing)
	return catalog.UpsertResult{Outcome: catalog.UpsertUpdated, RediscoveryCount: existing.RediscoveryCount}, nil
}

// UpsertBatch processes entries independently and reports per-item outcomes.
func (s *Store) UpsertBatch(ctx context.Context, entries []catalog.CatalogEntry) ([]catalog.BatchItemResult, error) {
	results := make([]catalog.BatchItemResult, 0, len(entries))
	for _, entry := range entries {
		res, err := s.Upsert(ctx, entry)
		results = append(results, catalog.BatchItemResult{
			ContentHash: entry.ContentHash,
			Result:      res,
			Err:         err,
		})
	}
	return results, nil
}

// GetEntry loads one entry or returns catalog.ErrEntryNotFound.
func (s *Store) GetEntry(ctx context.Context, scopeID uuid.UUID, contentHash string) (*catalog.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryKey{scopeID: scopeID, hash: contentHash}]
	if !ok {
		return nil, catalog.ErrEntryNotFound
	}
	out := cloneEntry(entry)
	return &out, nil
}

// ListLive pages through live entries ordered by first discovery, with the
// content hash breaking ties.
func (s *Store) ListLive(ctx context.Context, scopeID uuid.UUID, offset, limit int) ([]catalog.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []catalog.CatalogEntry
	for key, entry := range s.entries {
		if key.scopeID != scopeID || !entry.Enrichment.Live() {
			continue
		}
		live = append(live, cloneEntry(entry))
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].FirstSeen.Equal(live[j].FirstSeen) {
			return live[i].FirstSeen.Before(live[j].FirstSeen)
		}
		return live[i].ContentHash < live[j].ContentHash
	})

	if offset >= len(live) {
		return nil, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	return live[offset:end], nil
}

func cloneEntry(e catalog.CatalogEntry) catalog.CatalogEntry {
	e.Enrichment = cloneEnrichment(e.Enrichment)
	return e
}

func cloneEnrichment(in catalog.Enrichment) catalog.Enrichment {
	var out catalog.Enrichment
	if in.StatusCode != nil {
		v := *in.StatusCode
		out.StatusCode = &v
	}
	if in.ContentType != nil {
		v := *in.ContentType
		out.ContentType = &v
	}
	if in.ContentLength != nil {
		v := *in.ContentLength
		out.ContentLength = &v
	}
	return out
}
