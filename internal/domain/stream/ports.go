package stream

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by bus operations after Close.
var ErrClosed = errors.New("stream bus is closed")

// Bus is the transport contract stages coordinate through. Implementations
// must provide durable, ordered delivery with consumer-group semantics:
// deliveries are load-shared across consumers of a group, remain pending
// until acknowledged, and become claimable by other consumers once idle past
// a visibility timeout. Delivery is at least once; downstream processing must
// be idempotent.
type Bus interface {
	// EnsureGroup creates the consumer group for the stream key if it does
	// not already exist. Calling it for an existing group is not an error.
	EnsureGroup(ctx context.Context, key, group string) error

	// Publish appends a message to the stream.
	Publish(ctx context.Context, key string, msg Message) error

	// Read blocks up to the given duration for new deliveries addressed to
	// the consumer. An empty result after the block elapses is a normal
	// outcome, not an error; callers feed it to a CompletionTracker.
	Read(ctx context.Context, key, group, consumer string, block time.Duration, count int64) ([]Envelope, error)

	// Ack acknowledges processed deliveries. It must only be called after
	// the consumer's processing of those deliveries succeeded.
	Ack(ctx context.Context, key, group string, ids ...string) error

	// ClaimStale transfers deliveries that have been pending longer than
	// minIdle to the calling consumer, enabling crash recovery within the
	// group.
	ClaimStale(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]Envelope, error)

	// PendingCount reports how many deliveries the group has read but not
	// yet acknowledged.
	PendingCount(ctx context.Context, key, group string) (int64, error)

	// Close releases the underlying transport resources.
	Close() error
}
