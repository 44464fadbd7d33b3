package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/internal/infra/storage"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

func setupBus(t *testing.T) *Bus {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())

	return NewBus(client, logger.Noop(), storage.NoOpTracer(), nil)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "job1:enumeration:output", "workers"))
	require.NoError(t, bus.EnsureGroup(ctx, "job1:enumeration:output", "workers"))
}

func TestPublishReadAck(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	for _, artifact := range []string{"a.example.com", "b.example.com"} {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "enumeration", artifact)))
	}

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "a.example.com", envs[0].Msg.Artifact)
	assert.Equal(t, "b.example.com", envs[1].Msg.Artifact)
	assert.Equal(t, jobID, envs[0].Msg.JobID)

	pending, err := bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, bus.Ack(ctx, key, "workers", envs[0].ID, envs[1].ID))
	pending, err = bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestGroupCreatedAfterPublishSeesEverything(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:dns:output"
	jobID := uuid.New()

	// Stream exists before any group does.
	for range 4 {
		require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "dns", "host.example.com")))
	}

	require.NoError(t, bus.EnsureGroup(ctx, key, "late-joiners"))
	envs, err := bus.Read(ctx, key, "late-joiners", "consumer-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, envs, 4)
}

func TestCompletionMarkerRoundTrip(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:enumeration:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "orchestrator"))
	marker := stream.NewCompletionMarker(jobID, "enumeration", 1234, time.Now().UTC())
	require.NoError(t, bus.Publish(ctx, key, marker))

	envs, err := bus.Read(ctx, key, "orchestrator", "coordinator", 0, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.True(t, envs[0].Msg.IsCompletion())
	assert.Equal(t, int64(1234), envs[0].Msg.TotalResults)
	assert.Equal(t, jobID, envs[0].Msg.JobID)
}

func TestBlockingReadTimesOut(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:http:output"

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))

	start := time.Now()
	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 100*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestClaimStaleRedelivers(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:http:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "http", "https://a.example.com/")))

	// consumer-1 reads but never acks, simulating a crash.
	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	time.Sleep(50 * time.Millisecond)

	claimed, err := bus.ClaimStale(ctx, key, "workers", "consumer-2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, envs[0].ID, claimed[0].ID)

	require.NoError(t, bus.Ack(ctx, key, "workers", claimed[0].ID))
	pending, err := bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestMalformedEntryIsDropped(t *testing.T) {
	bus := setupBus(t)
	ctx := context.Background()
	key := "job1:dns:output"
	jobID := uuid.New()

	require.NoError(t, bus.EnsureGroup(ctx, key, "workers"))

	// An entry that is not valid JSON sits in front of a good one.
	require.NoError(t, bus.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{payloadField: "{not-json"},
	}).Err())
	require.NoError(t, bus.Publish(ctx, key, stream.NewDataMessage(jobID, "dns", "good.example.com")))

	envs, err := bus.Read(ctx, key, "workers", "consumer-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "good.example.com", envs[0].Msg.Artifact)

	// The malformed entry was acked during the read, the good one is still pending.
	pending, err := bus.PendingCount(ctx, key, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
