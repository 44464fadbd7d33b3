// Package redis provides a Redis Streams implementation of the stream transport.
// Streams give the pipeline a durable append-only log with consumer groups,
// per-entry acknowledgement, and a pending list for crash recovery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// payloadField is the single hash field each stream entry stores its
// JSON-encoded message under.
const payloadField = "payload"

// BusMetrics defines metrics operations needed to monitor stream message handling.
// It enables tracking of successful and failed message publishing/consumption.
type BusMetrics interface {
	IncMessagePublished(ctx context.Context, key string)
	IncMessageConsumed(ctx context.Context, key string)
	IncPublishError(ctx context.Context, key string)
	IncConsumeError(ctx context.Context, key string)
}

var _ stream.Bus = (*Bus)(nil)

// Bus implements the stream.Bus interface on top of Redis Streams.
type Bus struct {
	client *redis.Client

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BusMetrics
}

// NewBus creates a stream bus backed by the given Redis client.
func NewBus(client *redis.Client, log *logger.Logger, tracer trace.Tracer, metrics BusMetrics) *Bus {
	return &Bus{
		client:  client,
		logger:  log.With("component", "redis_stream_bus"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// EnsureGroup creates the consumer group on the stream, creating the stream
// itself if it does not exist yet. The group starts at the beginning of the
// log, so consumers joining after entries were appended still observe every
// entry. Calling this for an existing group is a no-op.
func (b *Bus) EnsureGroup(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group %s on stream %s: %w", group, key, err)
	}
	return nil
}

// isBusyGroup matches the Redis error for a group that already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Publish appends a message to the stream as a single JSON payload field.
func (b *Bus) Publish(ctx context.Context, key string, msg stream.Message) error {
	ctx, span := b.tracer.Start(ctx, "redis_stream.publish",
		trace.WithAttributes(
			attribute.String("stream.key", key),
			attribute.Bool("message.completion", msg.IsCompletion()),
		))
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal message")
		if b.metrics != nil {
			b.metrics.IncPublishError(ctx, key)
		}
		return fmt.Errorf("failed to marshal message for stream %s: %w", key, err)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "xadd")
		if b.metrics != nil {
			b.metrics.IncPublishError(ctx, key)
		}
		return fmt.Errorf("failed to append to stream %s: %w", key, err)
	}

	if b.metrics != nil {
		b.metrics.IncMessagePublished(ctx, key)
	}
	b.logger.Debug(ctx, "Appended message to stream", "stream", key, "id", id)

	return nil
}

// Read delivers up to count new entries to the named consumer, adding each to
// the group's pending list until acknowledged. With a positive block duration
// it waits that long for entries before returning an empty batch; an empty
// batch is a normal outcome, not an error.
func (b *Bus) Read(ctx context.Context, key, group, consumer string, block time.Duration, count int64) ([]stream.Envelope, error) {
	if block <= 0 {
		// A negative block disables the BLOCK option entirely, returning
		// whatever is immediately available.
		block = -1
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if b.metrics != nil {
			b.metrics.IncConsumeError(ctx, key)
		}
		return nil, fmt.Errorf("failed to read stream %s as %s/%s: %w", key, group, consumer, err)
	}

	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return b.decodeMessages(ctx, key, group, msgs)
}

// Ack removes entries from the group's pending list. Acknowledging an ID that
// was already acknowledged is harmless, which keeps redelivered duplicates safe.
func (b *Bus) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries on stream %s: %w", len(ids), key, err)
	}
	return nil
}

// ClaimStale transfers entries pending longer than minIdle to the named
// consumer and redelivers them, letting a replacement worker pick up messages
// owned by a crashed one.
func (b *Bus) ClaimStale(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]stream.Envelope, error) {
	ctx, span := b.tracer.Start(ctx, "redis_stream.claim_stale",
		trace.WithAttributes(
			attribute.String("stream.key", key),
			attribute.String("stream.group", group),
		))
	defer span.End()

	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "xautoclaim")
		return nil, fmt.Errorf("failed to claim stale entries on stream %s: %w", key, err)
	}
	return b.decodeMessages(ctx, key, group, msgs)
}

// PendingCount reports how many delivered entries the group has not yet acknowledged.
func (b *Bus) PendingCount(ctx context.Context, key, group string) (int64, error) {
	pending, err := b.client.XPending(ctx, key, group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending summary for stream %s group %s: %w", key, group, err)
	}
	return pending.Count, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error { return b.client.Close() }

// decodeMessages converts raw stream entries into envelopes. Entries whose
// payload cannot be decoded are acknowledged and dropped so a single poisoned
// entry cannot wedge the group.
func (b *Bus) decodeMessages(ctx context.Context, key, group string, msgs []redis.XMessage) ([]stream.Envelope, error) {
	var envs []stream.Envelope
	for _, m := range msgs {
		raw, ok := m.Values[payloadField].(string)
		if !ok {
			b.dropMalformed(ctx, key, group, m.ID, errors.New("missing payload field"))
			continue
		}

		var msg stream.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			b.dropMalformed(ctx, key, group, m.ID, err)
			continue
		}

		if b.metrics != nil {
			b.metrics.IncMessageConsumed(ctx, key)
		}
		envs = append(envs, stream.Envelope{ID: m.ID, Msg: msg})
	}
	return envs, nil
}

func (b *Bus) dropMalformed(ctx context.Context, key, group, id string, err error) {
	b.logger.Error(ctx, "Dropping malformed stream entry", "stream", key, "id", id, "error", err)
	if b.metrics != nil {
		b.metrics.IncConsumeError(ctx, key)
	}
	if ackErr := b.client.XAck(ctx, key, group, id).Err(); ackErr != nil {
		b.logger.Error(ctx, "Failed to ack malformed stream entry", "stream", key, "id", id, "error", ackErr)
	}
}
