package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/infra/storage"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

func setupCatalogTest(t *testing.T) (context.Context, *pgxpool.Pool, *catalogStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewCatalogStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func int64Ptr(v int64) *int64 { return &v }

func newTestEntry(t *testing.T, scopeID uuid.UUID, raw string, observedAt time.Time, enrichment catalog.Enrichment) catalog.CatalogEntry {
	t.Helper()

	entry, err := catalog.NewEntry(scopeID, raw, "enumeration", observedAt, enrichment)
	require.NoError(t, err)
	return entry
}

func TestCatalogStore_UpsertInsertsFirstObservation(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	observed := time.Now().UTC().Truncate(time.Microsecond)
	entry := newTestEntry(t, scopeID, "https://app.example.com/login", observed, catalog.Enrichment{
		StatusCode:  intPtr(200),
		ContentType: strPtr("text/html"),
	})

	result, err := store.Upsert(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, catalog.UpsertInserted, result.Outcome)
	assert.Equal(t, 1, result.RediscoveryCount)

	loaded, err := store.GetEntry(ctx, scopeID, entry.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, entry.CanonicalValue, loaded.CanonicalValue)
	assert.Equal(t, "enumeration", loaded.DiscoveredBy)
	assert.Equal(t, observed, loaded.FirstSeen.UTC())
	assert.Equal(t, observed, loaded.LastSeen.UTC())
	assert.Equal(t, 1, loaded.RediscoveryCount)
	require.NotNil(t, loaded.Enrichment.StatusCode)
	assert.Equal(t, 200, *loaded.Enrichment.StatusCode)
	require.NotNil(t, loaded.Enrichment.ContentType)
	assert.Equal(t, "text/html", *loaded.Enrichment.ContentType)
	assert.Nil(t, loaded.Enrichment.ContentLength)
}

func TestCatalogStore_UpsertMergesRediscovery(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	first := time.Now().UTC().Truncate(time.Microsecond)

	entry := newTestEntry(t, scopeID, "https://app.example.com/login", first, catalog.Enrichment{})
	result, err := store.Upsert(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, catalog.UpsertInserted, result.Outcome)

	// A later stage sees the same artifact again.
	again, err := catalog.NewEntry(scopeID, "HTTPS://APP.EXAMPLE.COM/login", "probing", first.Add(time.Hour), catalog.Enrichment{
		StatusCode: intPtr(200),
	})
	require.NoError(t, err)
	require.Equal(t, entry.ContentHash, again.ContentHash, "normalization should collapse both spellings to one key")

	result, err = store.Upsert(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, catalog.UpsertUpdated, result.Outcome)
	assert.Equal(t, 2, result.RediscoveryCount)

	loaded, err := store.GetEntry(ctx, scopeID, entry.ContentHash)
	require.NoError(t, err)

	assert.Equal(t, first, loaded.FirstSeen.UTC(), "first seen must not move on rediscovery")
	assert.Equal(t, first.Add(time.Hour), loaded.LastSeen.UTC())
	assert.Equal(t, 2, loaded.RediscoveryCount)
	assert.Equal(t, "enumeration", loaded.DiscoveredBy, "discovering stage is fixed at first observation")
	require.NotNil(t, loaded.Enrichment.StatusCode)
	assert.Equal(t, 200, *loaded.Enrichment.StatusCode)
}

func TestCatalogStore_MergeNeverErasesEnrichment(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	entry := newTestEntry(t, scopeID, "https://api.example.com/v1", base, catalog.Enrichment{
		StatusCode:  intPtr(200),
		ContentType: strPtr("application/json"),
	})
	_, err := store.Upsert(ctx, entry)
	require.NoError(t, err)

	// Rediscovery with no enrichment at all.
	bare, err := catalog.NewEntry(scopeID, "https://api.example.com/v1", "enumeration", base.Add(time.Minute), catalog.Enrichment{})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, bare)
	require.NoError(t, err)

	loaded, err := store.GetEntry(ctx, scopeID, entry.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, loaded.Enrichment.StatusCode)
	assert.Equal(t, 200, *loaded.Enrichment.StatusCode, "unset fields must not erase recorded enrichment")
	require.NotNil(t, loaded.Enrichment.ContentType)
	assert.Equal(t, "application/json", *loaded.Enrichment.ContentType)

	// Rediscovery that adds one new field overwrites nothing else.
	sized, err := catalog.NewEntry(scopeID, "https://api.example.com/v1", "probing", base.Add(2*time.Minute), catalog.Enrichment{
		ContentLength: int64Ptr(512),
	})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, sized)
	require.NoError(t, err)

	loaded, err = store.GetEntry(ctx, scopeID, entry.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, loaded.Enrichment.ContentLength)
	assert.Equal(t, int64(512), *loaded.Enrichment.ContentLength)
	require.NotNil(t, loaded.Enrichment.StatusCode)
	assert.Equal(t, 200, *loaded.Enrichment.StatusCode)
	assert.Equal(t, 3, loaded.RediscoveryCount)
}

func TestCatalogStore_LastSeenNeverRegresses(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	entry := newTestEntry(t, scopeID, "https://late.example.com", base, catalog.Enrichment{})
	_, err := store.Upsert(ctx, entry)
	require.NoError(t, err)

	// A delayed worker reports an observation that happened earlier.
	stale, err := catalog.NewEntry(scopeID, "https://late.example.com", "enumeration", base.Add(-time.Hour), catalog.Enrichment{})
	require.NoError(t, err)
	result, err := store.Upsert(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, catalog.UpsertUpdated, result.Outcome)

	loaded, err := store.GetEntry(ctx, scopeID, entry.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, base, loaded.LastSeen.UTC(), "stale observation must not rewind last seen")
	assert.Equal(t, 2, loaded.RediscoveryCount, "the counter still records the observation")
}

func TestCatalogStore_GetEntry_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	_, err := store.GetEntry(ctx, uuid.New(), "0000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, catalog.ErrEntryNotFound)
}

func TestCatalogStore_UpsertBatch_PartialFailure(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	good1 := newTestEntry(t, scopeID, "https://one.example.com", base, catalog.Enrichment{})
	good2 := newTestEntry(t, scopeID, "https://two.example.com", base, catalog.Enrichment{})
	bad := good1
	bad.ContentHash = "" // fails validation before touching the database

	results, err := store.UpsertBatch(ctx, []catalog.CatalogEntry{good1, bad, good2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, catalog.UpsertInserted, results[0].Result.Outcome)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err, "a failing item must not abort later items")
	assert.Equal(t, catalog.UpsertInserted, results[2].Result.Outcome)

	// Both valid entries are durable.
	for _, e := range []catalog.CatalogEntry{good1, good2} {
		loaded, err := store.GetEntry(ctx, scopeID, e.ContentHash)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.RediscoveryCount)
	}
}

func TestCatalogStore_ListLive(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	scopeID := uuid.New()
	base := time.Now().UTC().Truncate(time.Microsecond)

	live := make([]catalog.CatalogEntry, 0, 3)
	for i := range 3 {
		e := newTestEntry(t, scopeID, fmt.Sprintf("https://live-%d.example.com", i), base.Add(time.Duration(i)*time.Minute), catalog.Enrichment{
			StatusCode: intPtr(200),
		})
		_, err := store.Upsert(ctx, e)
		require.NoError(t, err)
		live = append(live, e)
	}

	dead := newTestEntry(t, scopeID, "https://dead.example.com", base, catalog.Enrichment{StatusCode: intPtr(404)})
	_, err := store.Upsert(ctx, dead)
	require.NoError(t, err)

	unprobed := newTestEntry(t, scopeID, "https://unknown.example.com", base, catalog.Enrichment{})
	_, err = store.Upsert(ctx, unprobed)
	require.NoError(t, err)

	entries, err := store.ListLive(ctx, scopeID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3, "only entries with a sub-400 status are live")
	for i, e := range entries {
		assert.Equal(t, live[i].ContentHash, e.ContentHash, "entries should come back in first-seen order")
	}

	// Pagination walks the same ordering.
	page, err := store.ListLive(ctx, scopeID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, live[1].ContentHash, page[0].ContentHash)

	empty, err := store.ListLive(ctx, scopeID, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCatalogStore_IndependentScopes(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupCatalogTest(t)
	defer cleanup()

	base := time.Now().UTC().Truncate(time.Microsecond)
	scopeA, scopeB := uuid.New(), uuid.New()

	entryA := newTestEntry(t, scopeA, "https://shared.example.com", base, catalog.Enrichment{})
	entryB := newTestEntry(t, scopeB, "https://shared.example.com", base, catalog.Enrichment{})
	require.Equal(t, entryA.ContentHash, entryB.ContentHash)

	resA, err := store.Upsert(ctx, entryA)
	require.NoError(t, err)
	resB, err := store.Upsert(ctx, entryB)
	require.NoError(t, err)

	assert.Equal(t, catalog.UpsertInserted, resA.Outcome)
	assert.Equal(t, catalog.UpsertInserted, resB.Outcome, "the same hash in another scope is a distinct row")
}
