// Package kafka provides a Kafka-backed implementation of the stream transport.
// Each stream key maps to a single-partition topic so the append order of the
// log is preserved end to end, and consumer groups carry the group semantics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/stream"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// BusMetrics defines metrics operations needed to monitor stream message handling.
// It enables tracking of successful and failed message publishing/consumption.
type BusMetrics interface {
	IncMessagePublished(ctx context.Context, key string)
	IncMessageConsumed(ctx context.Context, key string)
	IncPublishError(ctx context.Context, key string)
	IncConsumeError(ctx context.Context, key string)
}

// topicForKey converts a stream key into a legal Kafka topic name.
// Stream keys use colons, which Kafka topic names do not allow.
func topicForKey(key string) string { return strings.ReplaceAll(key, ":", ".") }

var _ stream.Bus = (*Bus)(nil)

// Bus implements the stream.Bus interface using Kafka as the underlying log.
//
// Two semantics differ from a native stream store and callers should know them:
// acknowledgement is cumulative per partition, so acking an entry implicitly
// acknowledges all earlier offsets in its partition, and stale-entry claiming
// is a no-op because consumer group rebalancing already reassigns unacked work.
type Bus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin

	topicPartitions  int32
	topicReplication int16

	mu      sync.Mutex
	readers map[string]*reader

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BusMetrics
}

// NewBus creates a stream bus on top of an established Kafka client.
// The bus takes ownership of the client and closes it with Close.
func NewBus(client sarama.Client, cfg *ClientConfig, log *logger.Logger, tracer trace.Tracer, metrics BusMetrics) (*Bus, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create kafka cluster admin: %w", err)
	}

	partitions := cfg.TopicPartitions
	if partitions <= 0 {
		// A single partition keeps the total order of the stream.
		partitions = 1
	}
	replication := cfg.TopicReplication
	if replication <= 0 {
		replication = 1
	}

	return &Bus{
		client:           client,
		producer:         producer,
		admin:            admin,
		topicPartitions:  partitions,
		topicReplication: replication,
		readers:          make(map[string]*reader),
		logger:           log.With("component", "kafka_stream_bus"),
		tracer:           tracer,
		metrics:          metrics,
	}, nil
}

// EnsureGroup creates the topic backing the stream key if it does not exist.
// Kafka consumer groups come into existence on first use, and the client's
// OffsetOldest initial position means a group formed after entries were
// appended still observes every entry.
func (b *Bus) EnsureGroup(ctx context.Context, key, group string) error {
	topic := topicForKey(key)
	err := b.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     b.topicPartitions,
		ReplicationFactor: b.topicReplication,
	}, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to create topic %s for stream %s: %w", topic, key, err)
	}
	return nil
}

// Publish appends a message to the stream's topic.
func (b *Bus) Publish(ctx context.Context, key string, msg stream.Message) error {
	topic := topicForKey(key)

	ctx, span := b.tracer.Start(ctx, "kafka_stream.publish",
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

	partition, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.JobID.String()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send message")
		if b.metrics != nil {
			b.metrics.IncPublishError(ctx, key)
		}
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	if b.metrics != nil {
		b.metrics.IncMessagePublished(ctx, key)
	}
	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// Read delivers up to count entries to the group, waiting up to block for the
// first one. Entries stay unacknowledged until Ack commits their offsets.
// An empty batch is a normal outcome, not an error.
func (b *Bus) Read(ctx context.Context, key, group, consumer string, block time.Duration, count int64) ([]stream.Envelope, error) {
	r, err := b.readerFor(key, group)
	if err != nil {
		return nil, err
	}

	var envs []stream.Envelope
	appendClaimed := func(cm claimedMessage) {
		env, ok := b.decodeClaimed(ctx, key, cm)
		if !ok {
			return
		}
		r.trackPending(env.ID, cm)
		envs = append(envs, env)
	}

	// Wait up to block for the first entry, then drain whatever else is ready.
	if block > 0 {
		select {
		case cm := <-r.messages:
			appendClaimed(cm)
		case <-time.After(block):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case cm := <-r.messages:
			appendClaimed(cm)
		default:
			return nil, nil
		}
	}

	for int64(len(envs)) < count {
		select {
		case cm := <-r.messages:
			appendClaimed(cm)
		default:
			return envs, nil
		}
	}
	return envs, nil
}

// Ack commits the offsets of the given entries. Committing is cumulative per
// partition. Unknown IDs are ignored, which keeps redelivered duplicates harmless.
func (b *Bus) Ack(ctx context.Context, key, group string, ids ...string) error {
	b.mu.Lock()
	r, ok := b.readers[readerID(key, group)]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active reader for stream %s group %s", key, group)
	}

	for _, id := range ids {
		r.ack(id)
	}
	return nil
}

// ClaimStale is a no-op for Kafka: when a consumer dies, the group rebalances
// and its unacked partitions are redelivered to the remaining members.
func (b *Bus) ClaimStale(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]stream.Envelope, error) {
	return nil, nil
}

// PendingCount reports how many entries the group has not yet committed.
// This includes entries not yet delivered, which is a superset of the
// delivered-but-unacked set a native stream store would report.
func (b *Bus) PendingCount(ctx context.Context, key, group string) (int64, error) {
	topic := topicForKey(key)

	partitions, err := b.client.Partitions(topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions for topic %s: %w", topic, err)
	}

	listed, err := b.admin.ListConsumerGroupOffsets(group, map[string][]int32{topic: partitions})
	if err != nil {
		return 0, fmt.Errorf("failed to list offsets for group %s on topic %s: %w", group, topic, err)
	}

	var pending int64
	for _, p := range partitions {
		high, err := b.client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return 0, fmt.Errorf("failed to get high water mark for %s/%d: %w", topic, p, err)
		}

		committed := int64(-1)
		if block := listed.GetBlock(topic, p); block != nil {
			committed = block.Offset
		}
		if committed < 0 {
			// No commit yet: everything from the oldest retained offset counts.
			oldest, err := b.client.GetOffset(topic, p, sarama.OffsetOldest)
			if err != nil {
				return 0, fmt.Errorf("failed to get oldest offset for %s/%d: %w", topic, p, err)
			}
			committed = oldest
		}
		pending += high - committed
	}
	return pending, nil
}

// Close stops all readers and releases the producer, admin, and client.
func (b *Bus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = make(map[string]*reader)
	b.mu.Unlock()

	for _, r := range readers {
		r.close()
	}

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}
	if err := b.admin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cluster admin: %w", err))
	}
	if !b.client.Closed() {
		if err := b.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// decodeClaimed converts a consumed Kafka message into an envelope. Messages
// that cannot be decoded are committed and dropped so a single poisoned entry
// cannot wedge the group.
func (b *Bus) decodeClaimed(ctx context.Context, key string, cm claimedMessage) (stream.Envelope, bool) {
	var msg stream.Message
	if err := json.Unmarshal(cm.msg.Value, &msg); err != nil {
		b.logger.Error(ctx, "Dropping malformed stream entry",
			"topic", cm.msg.Topic,
			"partition", cm.msg.Partition,
			"offset", cm.msg.Offset,
			"error", err,
		)
		if b.metrics != nil {
			b.metrics.IncConsumeError(ctx, key)
		}
		cm.session.MarkOffset(cm.msg.Topic, cm.msg.Partition, cm.msg.Offset+1, "")
		cm.session.Commit()
		return stream.Envelope{}, false
	}

	if b.metrics != nil {
		b.metrics.IncMessageConsumed(ctx, key)
	}
	return stream.Envelope{
		ID:  fmt.Sprintf("%d:%d", cm.msg.Partition, cm.msg.Offset),
		Msg: msg,
	}, true
}

func readerID(key, group string) string { return key + "|" + group }

// readerFor returns the consumer group reader for the stream key and group,
// starting one if it does not exist yet.
func (b *Bus) readerFor(key, group string) (*reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := readerID(key, group)
	if r, ok := b.readers[id]; ok {
		return r, nil
	}

	consumerGroup, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &reader{
		consumerGroup: consumerGroup,
		messages:      make(chan claimedMessage, 256),
		pending:       make(map[string]claimedMessage),
		cancel:        cancel,
	}
	go r.run(runCtx, topicForKey(key), b.logger)

	b.readers[id] = r
	return r, nil
}

// claimedMessage pairs a consumed message with the session it arrived on so
// its offset can be committed later.
type claimedMessage struct {
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
}

// reader pumps one consumer group session into a channel that Read drains.
type reader struct {
	consumerGroup sarama.ConsumerGroup
	messages      chan claimedMessage
	cancel        context.CancelFunc

	mu      sync.Mutex
	pending map[string]claimedMessage
}

// run maintains a continuous consumer group session for the topic.
func (r *reader) run(ctx context.Context, topic string, log *logger.Logger) {
	handler := &pumpHandler{out: r.messages}
	for {
		if err := r.consumerGroup.Consume(ctx, []string{topic}, handler); err != nil {
			log.Error(ctx, "Error from consumer group", "topic", topic, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *reader) trackPending(id string, cm claimedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = cm
}

func (r *reader) ack(id string) {
	r.mu.Lock()
	cm, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	cm.session.MarkOffset(cm.msg.Topic, cm.msg.Partition, cm.msg.Offset+1, "")
	cm.session.Commit()
}

func (r *reader) close() {
	r.cancel()
	_ = r.consumerGroup.Close()
}

// pumpHandler implements sarama.ConsumerGroupHandler by forwarding every
// claimed message into the reader's channel.
type pumpHandler struct{ out chan<- claimedMessage }

func (*pumpHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*pumpHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *pumpHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.out <- claimedMessage{msg: msg, session: sess}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
