package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/internal/infra/storage"
	catalogmem "github.com/corvusec/scanhive/internal/infra/storage/catalog/memory"
	streammem "github.com/corvusec/scanhive/internal/infra/stream/memory"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

type mockTool struct {
	mu    sync.Mutex
	calls [][]string
	run   func(stage pipeline.StageKind, inputs []string) ([]Artifact, error)
}

func (m *mockTool) Run(_ context.Context, stage pipeline.StageKind, inputs []string) ([]Artifact, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), inputs...))
	m.mu.Unlock()
	return m.run(stage, inputs)
}

func (m *mockTool) callSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.calls))
	for i, call := range m.calls {
		sizes[i] = len(call)
	}
	return sizes
}

// identityTool confirms each input unchanged, the shape of a resolution stage.
func identityTool() *mockTool {
	return &mockTool{run: func(_ pipeline.StageKind, inputs []string) ([]Artifact, error) {
		artifacts := make([]Artifact, len(inputs))
		for i, in := range inputs {
			artifacts[i] = Artifact{Value: in}
		}
		return artifacts, nil
	}}
}

type mockMetrics struct {
	mu                  sync.Mutex
	discovered          int
	persisted           int
	skipped             int
	dedupHits           int
	persistenceFailures int
	toolErrors          int
}

func (m *mockMetrics) IncArtifactsDiscovered(_ context.Context, _ string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovered += count
}

func (m *mockMetrics) IncArtifactsPersisted(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted++
}

func (m *mockMetrics) IncArtifactsSkipped(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *mockMetrics) IncDedupHits(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedupHits++
}

func (m *mockMetrics) IncPersistenceFailures(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistenceFailures++
}

func (m *mockMetrics) IncToolErrors(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolErrors++
}

func (m *mockMetrics) ObserveToolDuration(context.Context, string, time.Duration) {}

func (m *mockMetrics) ObserveBatchSize(context.Context, string, int) {}

type metricsSnapshot struct {
	discovered          int
	persisted           int
	skipped             int
	dedupHits           int
	persistenceFailures int
	toolErrors          int
}

func (m *mockMetrics) snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricsSnapshot{
		discovered:          m.discovered,
		persisted:           m.persisted,
		skipped:             m.skipped,
		dedupHits:           m.dedupHits,
		persistenceFailures: m.persistenceFailures,
		toolErrors:          m.toolErrors,
	}
}

type runnerHarness struct {
	bus     *streammem.Bus
	repo    *catalogmem.Store
	tool    *mockTool
	metrics *mockMetrics
	spec    pipeline.WorkerSpec
}

func newRunnerHarness(t *testing.T, params pipeline.SpecParams, tool *mockTool) *runnerHarness {
	t.Helper()

	spec, err := pipeline.NewWorkerSpec(params)
	require.NoError(t, err)

	return &runnerHarness{
		bus:     streammem.NewBus(),
		repo:    catalogmem.NewStore(),
		tool:    tool,
		metrics: &mockMetrics{},
		spec:    spec,
	}
}

func (h *runnerHarness) runner(t *testing.T, cfg RunnerConfig) *Runner {
	t.Helper()
	r, err := NewRunner(h.spec, cfg, h.bus, h.repo, h.tool, logger.Noop(), h.metrics, storage.NoOpTracer())
	require.NoError(t, err)
	return r
}

// fastConsumerConfig keeps the consumption loop snappy under test.
func fastConsumerConfig() RunnerConfig {
	return RunnerConfig{
		ReadBlock:            10 * time.Millisecond,
		ClaimInterval:        time.Minute,
		PersistRetryInterval: 5 * time.Millisecond,
		PersistRetryBudget:   20 * time.Millisecond,
	}
}

func directParams(stage pipeline.StageKind, seeds []string) pipeline.SpecParams {
	jobID := uuid.New()
	return pipeline.SpecParams{
		JobID:        jobID,
		ScopeID:      uuid.New(),
		Stage:        stage,
		Mode:         pipeline.ModeDirectInput,
		Profile:      pipeline.ProfileFor(len(seeds)),
		OutputStream: fmt.Sprintf("%s:%s:output", jobID, stage),
		Seeds:        seeds,
		BatchCount:   1,
		TotalTargets: len(seeds),
	}
}

func consumerParams(stage pipeline.StageKind, inputStream string) pipeline.SpecParams {
	jobID := uuid.New()
	return pipeline.SpecParams{
		JobID:         jobID,
		ScopeID:       uuid.New(),
		Stage:         stage,
		Mode:          pipeline.ModeStreamConsumer,
		Profile:       pipeline.ProfileFor(3),
		InputStream:   inputStream,
		OutputStream:  fmt.Sprintf("%s:%s:output", jobID, stage),
		ConsumerGroup: stage.String(),
		BatchCount:    1,
		TotalTargets:  3,
	}
}

// drainStream reads every message appended to a stream through a fresh
// verification group.
func drainStream(t *testing.T, bus *streammem.Bus, key string) []stream.Message {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, key, "verify"))
	var msgs []stream.Message
	for {
		envs, err := bus.Read(ctx, key, "verify", "v1", 0, 128)
		require.NoError(t, err)
		if len(envs) == 0 {
			return msgs
		}
		for _, env := range envs {
			msgs = append(msgs, env.Msg)
		}
	}
}

func requireEntry(t *testing.T, repo *catalogmem.Store, scopeID uuid.UUID, raw string) catalog.CatalogEntry {
	t.Helper()
	_, hash, err := catalog.Normalize(raw)
	require.NoError(t, err)
	entry, err := repo.GetEntry(context.Background(), scopeID, hash)
	require.NoError(t, err)
	return *entry
}

func TestNewRunner_Validation(t *testing.T) {
	t.Parallel()

	spec, err := pipeline.NewWorkerSpec(directParams(pipeline.StageEnumeration, []string{"example.com"}))
	require.NoError(t, err)

	bus := streammem.NewBus()
	repo := catalogmem.NewStore()
	tool := identityTool()

	tests := []struct {
		name string
		bus  stream.Bus
		repo catalog.Repository
		tool Tool
	}{
		{name: "missing bus", repo: repo, tool: tool},
		{name: "missing repository", bus: bus, tool: tool},
		{name: "missing tool", bus: bus, repo: repo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRunner(spec, RunnerConfig{}, tt.bus, tt.repo, tt.tool, logger.Noop(), &mockMetrics{}, storage.NoOpTracer())
			require.Error(t, err)
		})
	}
}

func TestRunner_DirectInput_PersistsAndPublishes(t *testing.T) {
	t.Parallel()

	tool := &mockTool{run: func(_ pipeline.StageKind, inputs []string) ([]Artifact, error) {
		var artifacts []Artifact
		for _, in := range inputs {
			artifacts = append(artifacts,
				Artifact{Value: "api." + in},
				Artifact{Value: "www." + in},
			)
		}
		return artifacts, nil
	}}
	h := newRunnerHarness(t, directParams(pipeline.StageEnumeration, []string{"example.com", "example.org"}), tool)

	err := h.runner(t, fastConsumerConfig()).Run(context.Background())
	require.NoError(t, err)

	for _, raw := range []string{"api.example.com", "www.example.com", "api.example.org", "www.example.org"} {
		entry := requireEntry(t, h.repo, h.spec.ScopeID(), raw)
		assert.Equal(t, "enumeration", entry.DiscoveredBy)
		assert.Equal(t, 1, entry.RediscoveryCount)
	}

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 5)
	for _, msg := range msgs[:4] {
		assert.False(t, msg.IsCompletion())
		assert.Equal(t, h.spec.JobID(), msg.JobID)
		assert.Equal(t, "enumeration", msg.SourceStage)
	}

	marker := msgs[4]
	require.True(t, marker.IsCompletion(), "marker must be the last message")
	assert.Equal(t, int64(4), marker.TotalResults)
	assert.Equal(t, h.spec.JobID(), marker.JobID)

	m := h.metrics.snapshot()
	assert.Equal(t, 4, m.discovered)
	assert.Equal(t, 4, m.persisted)
	assert.Zero(t, m.dedupHits)
}

func TestRunner_DirectInput_ToolFailureCompletesEmpty(t *testing.T) {
	t.Parallel()

	tool := &mockTool{run: func(pipeline.StageKind, []string) ([]Artifact, error) {
		return nil, errors.New("enumerator crashed")
	}}
	h := newRunnerHarness(t, directParams(pipeline.StageEnumeration, []string{"example.com"}), tool)

	err := h.runner(t, fastConsumerConfig()).Run(context.Background())
	require.NoError(t, err)

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsCompletion())
	assert.Zero(t, msgs[0].TotalResults)
	assert.Equal(t, 1, h.metrics.snapshot().toolErrors)
}

func TestRunner_StreamConsumer_ConsumesUntilMarker(t *testing.T) {
	t.Parallel()

	upstream := "job-1:enumeration:output"
	h := newRunnerHarness(t, consumerParams(pipeline.StageDNS, upstream), identityTool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upstreamJob := h.spec.JobID()
	hosts := []string{"a.example.com", "b.example.com", "c.example.com"}
	for _, host := range hosts {
		require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(upstreamJob, "enumeration", host)))
	}
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewCompletionMarker(upstreamJob, "enumeration", int64(len(hosts)), time.Now().UTC())))

	err := h.runner(t, fastConsumerConfig()).Run(ctx)
	require.NoError(t, err)

	for _, host := range hosts {
		entry := requireEntry(t, h.repo, h.spec.ScopeID(), host)
		assert.Equal(t, "dns", entry.DiscoveredBy)
	}

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 4)
	require.True(t, msgs[3].IsCompletion())
	assert.Equal(t, int64(3), msgs[3].TotalResults)
	assert.Equal(t, "dns", msgs[3].SourceStage)

	pending, err := h.bus.PendingCount(ctx, upstream, h.spec.ConsumerGroup())
	require.NoError(t, err)
	assert.Zero(t, pending, "every delivery must be acknowledged")
}

func TestRunner_StreamConsumer_NeverCompletesBeforeMarker(t *testing.T) {
	t.Parallel()

	upstream := "job-2:enumeration:output"
	h := newRunnerHarness(t, consumerParams(pipeline.StageDNS, upstream), identityTool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "a.example.com")))
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "b.example.com")))

	done := make(chan error, 1)
	go func() { done <- h.runner(t, fastConsumerConfig()).Run(ctx) }()

	// Repeated empty reads alone must not complete the stage.
	select {
	case err := <-done:
		t.Fatalf("runner completed before the marker: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewCompletionMarker(h.spec.JobID(), "enumeration", 2, time.Now().UTC())))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not complete after the marker")
	}

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.NotEmpty(t, msgs)
	assert.True(t, msgs[len(msgs)-1].IsCompletion())
}

func TestRunner_StreamConsumer_DuplicatesMergeInCatalog(t *testing.T) {
	t.Parallel()

	upstream := "job-3:enumeration:output"
	h := newRunnerHarness(t, consumerParams(pipeline.StageDNS, upstream), identityTool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for range 2 {
		require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "app.example.com")))
	}
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewCompletionMarker(h.spec.JobID(), "enumeration", 2, time.Now().UTC())))

	err := h.runner(t, fastConsumerConfig()).Run(ctx)
	require.NoError(t, err)

	entry := requireEntry(t, h.repo, h.spec.ScopeID(), "app.example.com")
	assert.Equal(t, 2, entry.RediscoveryCount, "duplicate observations fold into one row")

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(2), msgs[2].TotalResults)
	assert.Equal(t, 1, h.metrics.snapshot().dedupHits)
}

func TestRunner_StreamConsumer_PersistenceFailureKeepsConsuming(t *testing.T) {
	t.Parallel()

	upstream := "job-4:enumeration:output"
	h := newRunnerHarness(t, consumerParams(pipeline.StageDNS, upstream), identityTool())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "bad.example.com")))
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "good.example.com")))
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewCompletionMarker(h.spec.JobID(), "enumeration", 2, time.Now().UTC())))

	flaky := &flakyRepo{Repository: h.repo, failSubstring: "bad."}
	cfg := fastConsumerConfig()
	// One delivery per read keeps the failing artifact in its own batch.
	cfg.ReadCount = 1

	r, err := NewRunner(h.spec, cfg, h.bus, flaky, h.tool, logger.Noop(), h.metrics, storage.NoOpTracer())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	_, badHash, err := catalog.Normalize("bad.example.com")
	require.NoError(t, err)
	_, getErr := h.repo.GetEntry(ctx, h.spec.ScopeID(), badHash)
	require.ErrorIs(t, getErr, catalog.ErrEntryNotFound, "the dropped batch must not be persisted")

	requireEntry(t, h.repo, h.spec.ScopeID(), "good.example.com")

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 2)
	assert.Equal(t, "good.example.com", msgs[0].Artifact)
	require.True(t, msgs[1].IsCompletion())
	assert.Equal(t, int64(1), msgs[1].TotalResults)

	assert.GreaterOrEqual(t, h.metrics.snapshot().persistenceFailures, 1)
	assert.GreaterOrEqual(t, flaky.attempts(), 2, "the failing batch must be retried before it is dropped")

	pending, err := h.bus.PendingCount(ctx, upstream, h.spec.ConsumerGroup())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunner_StreamConsumer_ClaimsStaleDeliveries(t *testing.T) {
	t.Parallel()

	upstream := "job-5:enumeration:output"
	h := newRunnerHarness(t, consumerParams(pipeline.StageDNS, upstream), identityTool())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	group := h.spec.ConsumerGroup()
	require.NoError(t, h.bus.EnsureGroup(ctx, upstream, group))
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "a.example.com")))
	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewDataMessage(h.spec.JobID(), "enumeration", "b.example.com")))

	// A consumer that reads and dies leaves its deliveries pending.
	envs, err := h.bus.Read(ctx, upstream, group, "dead-consumer", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	require.NoError(t, h.bus.Publish(ctx, upstream, stream.NewCompletionMarker(h.spec.JobID(), "enumeration", 2, time.Now().UTC())))

	cfg := fastConsumerConfig()
	cfg.ClaimInterval = 5 * time.Millisecond
	cfg.ClaimMinIdle = time.Millisecond

	require.NoError(t, h.runner(t, cfg).Run(ctx))

	requireEntry(t, h.repo, h.spec.ScopeID(), "a.example.com")
	requireEntry(t, h.repo, h.spec.ScopeID(), "b.example.com")

	pending, err := h.bus.PendingCount(ctx, upstream, group)
	require.NoError(t, err)
	assert.Zero(t, pending, "claimed deliveries must end up acknowledged")
}

func TestRunner_PaginatedFetch_PagesLiveEntries(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	scopeID := uuid.New()
	params := pipeline.SpecParams{
		JobID:        jobID,
		ScopeID:      scopeID,
		Stage:        pipeline.StageCrawl,
		Mode:         pipeline.ModePaginatedFetch,
		Profile:      pipeline.ProfileFor(5),
		OutputStream: fmt.Sprintf("%s:%s:output", jobID, pipeline.StageCrawl),
		PageSize:     2,
		BatchCount:   1,
		TotalTargets: 5,
	}

	tool := &mockTool{run: func(_ pipeline.StageKind, inputs []string) ([]Artifact, error) {
		artifacts := make([]Artifact, len(inputs))
		for i, in := range inputs {
			artifacts[i] = Artifact{Value: in + "/sitemap.xml"}
		}
		return artifacts, nil
	}}
	h := newRunnerHarness(t, params, tool)

	ctx := context.Background()
	ok := 200
	dead := 404
	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		entry, err := catalog.NewEntry(scopeID, fmt.Sprintf("https://app%d.example.com", i), "http", base.Add(time.Duration(i)*time.Minute), catalog.Enrichment{StatusCode: &ok})
		require.NoError(t, err)
		_, err = h.repo.Upsert(ctx, entry)
		require.NoError(t, err)
	}
	deadEntry, err := catalog.NewEntry(scopeID, "https://dead.example.com", "http", base, catalog.Enrichment{StatusCode: &dead})
	require.NoError(t, err)
	_, err = h.repo.Upsert(ctx, deadEntry)
	require.NoError(t, err)

	require.NoError(t, h.runner(t, fastConsumerConfig()).Run(ctx))

	assert.Equal(t, []int{2, 2, 1}, h.tool.callSizes(), "pages of two until the short final page")
	for _, call := range h.tool.calls {
		for _, input := range call {
			assert.NotContains(t, input, "dead", "non-live entries must not seed the stage")
		}
	}

	for i := range 5 {
		requireEntry(t, h.repo, scopeID, fmt.Sprintf("https://app%d.example.com/sitemap.xml", i))
	}

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	require.Len(t, msgs, 6)
	require.True(t, msgs[5].IsCompletion())
	assert.Equal(t, int64(5), msgs[5].TotalResults)
}

func TestRunner_PaginatedFetch_PartitionsInterleavePages(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	scopeID := uuid.New()
	partitionParams := func(batchIndex int) pipeline.SpecParams {
		return pipeline.SpecParams{
			JobID:        jobID,
			ScopeID:      scopeID,
			Stage:        pipeline.StageCrawl,
			Mode:         pipeline.ModePaginatedFetch,
			Profile:      pipeline.ProfileFor(5),
			OutputStream: fmt.Sprintf("%s:%s:output", jobID, pipeline.StageCrawl),
			PageSize:     2,
			BatchIndex:   batchIndex,
			BatchCount:   2,
			TotalTargets: 5,
		}
	}

	tool := &mockTool{run: func(_ pipeline.StageKind, inputs []string) ([]Artifact, error) {
		artifacts := make([]Artifact, len(inputs))
		for i, in := range inputs {
			artifacts[i] = Artifact{Value: in + "/robots.txt"}
		}
		return artifacts, nil
	}}
	h := newRunnerHarness(t, partitionParams(0), tool)

	ctx := context.Background()
	ok := 200
	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		entry, err := catalog.NewEntry(scopeID, fmt.Sprintf("https://app%d.example.com", i), "http", base.Add(time.Duration(i)*time.Minute), catalog.Enrichment{StatusCode: &ok})
		require.NoError(t, err)
		_, err = h.repo.Upsert(ctx, entry)
		require.NoError(t, err)
	}

	require.NoError(t, h.runner(t, fastConsumerConfig()).Run(ctx))

	sibling, err := pipeline.NewWorkerSpec(partitionParams(1))
	require.NoError(t, err)
	r, err := NewRunner(sibling, fastConsumerConfig(), h.bus, h.repo, h.tool, logger.Noop(), h.metrics, storage.NoOpTracer())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	var inputs []string
	for _, call := range h.tool.calls {
		inputs = append(inputs, call...)
	}
	assert.Len(t, inputs, 5, "the partitions must cover the scope exactly once")
	for i := range 5 {
		assert.Contains(t, inputs, fmt.Sprintf("https://app%d.example.com", i))
		requireEntry(t, h.repo, scopeID, fmt.Sprintf("https://app%d.example.com/robots.txt", i))
	}

	msgs := drainStream(t, h.bus, h.spec.OutputStream())
	var dataCount int
	var markerTotal int64
	for _, msg := range msgs {
		if msg.IsCompletion() {
			markerTotal += msg.TotalResults
			continue
		}
		dataCount++
	}
	assert.Equal(t, 5, dataCount)
	assert.Equal(t, int64(5), markerTotal, "sibling markers must add up to the stage total")
}

// flakyRepo fails whole batches whose entries match a substring, standing in
// for a store outage scoped to one batch.
type flakyRepo struct {
	catalog.Repository

	mu            sync.Mutex
	failures      int
	failSubstring string
}

func (f *flakyRepo) UpsertBatch(ctx context.Context, entries []catalog.CatalogEntry) ([]catalog.BatchItemResult, error) {
	for _, entry := range entries {
		if strings.Contains(entry.CanonicalValue, f.failSubstring) {
			f.mu.Lock()
			f.failures++
			f.mu.Unlock()
			return nil, errors.New("catalog store unavailable")
		}
	}
	return f.Repository.UpsertBatch(ctx, entries)
}

func (f *flakyRepo) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}
