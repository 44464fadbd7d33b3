package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

func TestEnsureGroupIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "job1:dns:output", "workers"))
	require.NoError(t, bus.EnsureGroup(ctx, "job1:dns:output", "workers"))
}

func TestPublishAndReadInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	for _, artifact := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "enumeration", artifact)))
	}

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, "a.example.com", envs[0].Msg.Artifact)
	assert.Equal(t, "b.example.com", envs[1].Msg.Artifact)
	assert.Equal(t, "c.example.com", envs[2].Msg.Artifact)
	assert.Less(t, envs[0].ID, envs[1].ID)
}

func TestGroupCreatedAfterPublishSeesEverything(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	for range 5 {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "enumeration", "host.example.com")))
	}

	// The group joins after the messages were appended.
	require.NoError(t, bus.EnsureGroup(ctx, key, "late-joiners"))
	envs, err := bus.Read(ctx, key, "late-joiners", "consumer-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, envs, 5)
}

func TestAckClearsPending(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:dns:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "dns", "a.example.com")))
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "dns", "b.example.com")))

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	pending, err := bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, bus.Ack(ctx, key, "workers", envs[0].ID))
	pending, err = bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, bus.Ack(ctx, key, "workers", envs[1].ID))
	pending, err = bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// Acking an already acked ID is harmless.
	require.NoError(t, bus.Ack(ctx, key, "workers", envs[0].ID))
}

func TestClaimStaleRedelivers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:http:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "http", "https://a.example.com/")))

	// consumer-1 reads but never acks, simulating a crash.
	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	time.Sleep(20 * time.Millisecond)

	claimed, err := bus.ClaimStale(ctx, key, "workers", "consumer-2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, envs[0].ID, claimed[0].ID)
	assert.Equal(t, "https://a.example.com/", claimed[0].Msg.Artifact)

	// Still pending until the claimant acks.
	pending, err := bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, bus.Ack(ctx, key, "workers", claimed[0].ID))
	pending, err = bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestClaimStaleSkipsFreshEntries(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:http:output"

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(uuid.New(), "http", "https://a.example.com/")))

	_, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)

	claimed, err := bus.ClaimStale(ctx, key, "workers", "consumer-2", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReadCountLimit(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	for range 10 {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "enumeration", "host.example.com")))
	}

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 4)
	require.NoError(t, err)
	assert.Len(t, envs, 4)

	envs, err = bus.Read(ctx, key, "workers", "consumer-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, envs, 6)
}

func TestBlockingReadTimesOut(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:dns:output"

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))

	start := time.Now()
	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 30*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBlockingReadUnblocksOnPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:dns:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = bus.Publish(ctx, key, stream.NewDataMessage(jobID, "dns", "late.example.com"))
	}()

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 2*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "late.example.com", envs[0].Msg.Artifact)
}

func TestIndependentGroupsSeeAllEntries(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "dns-workers"))
	require.NoError(t, bus.EnsureGroup(ctx, key, "orchestrator"))
	for range 3 {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "enumeration", "host.example.com")))
	}

	a, err := bus.Read(ctx, key, "dns-workers", "w1", 0, 10)
	require.NoError(t, err)
	b, err := bus.Read(ctx, key, "orchestrator", "coordinator", 0, 10)
	require.NoError(t, err)
	assert.Len(t, a, 3)
	assert.Len(t, b, 3)
}

func TestReadUnknownGroupFails(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "job1:dns:output", stream.NewDataMessage(uuid.New(), "dns", "a.example.com")))

	_, err := bus.Read(ctx, "job1:dns:output", "nobody", "consumer-1", 0, 10)
	require.Error(t, err)
}

func TestClosedBusRejectsOperations(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.EnsureGroup(ctx, "k", "g"), stream.ErrClosed)
	assert.ErrorIs(t, bus.Publish(ctx, "k", stream.Message{}), stream.ErrClosed)
	_, err := bus.Read(ctx, "k", "g", "c", 0, 1)
	assert.ErrorIs(t, err, stream.ErrClosed)
}
