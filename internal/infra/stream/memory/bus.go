// Package memory provides an in-memory implementation of the stream transport.
// It offers a lightweight, non-persistent log with consumer-group semantics,
// suitable for testing and development environments where durability is not
// required.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corvusec/scanhive/internal/domain/stream"
)

// pollInterval paces blocking reads while they wait for new entries.
const pollInterval = 5 * time.Millisecond

type entry struct {
	id  string
	msg stream.Message
}

type pendingEntry struct {
	idx         int
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type groupState struct {
	cursor  int
	pending map[string]*pendingEntry
}

type streamState struct {
	entries []entry
	nextSeq int64
	groups  map[string]*groupState
}

// Bus is an in-memory stream.Bus. Each key holds an append-only log and a set
// of consumer groups, each with its own delivery cursor and pending list.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*streamState
	closed  bool
}

var _ stream.Bus = (*Bus)(nil)

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{streams: make(map[string]*streamState)}
}

func (b *Bus) stream(key string) *streamState {
	s, ok := b.streams[key]
	if !ok {
		s = &streamState{nextSeq: 1, groups: make(map[string]*groupState)}
		b.streams[key] = s
	}
	return s
}

// EnsureGroup creates the stream and consumer group if they do not exist.
// New groups start delivering from the beginning of the log, so consumers
// joining after messages were appended still observe every entry.
func (b *Bus) EnsureGroup(ctx context.Context, key, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrClosed
	}

	s := b.stream(key)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &groupState{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

// Publish appends a message to the stream's log, creating the stream if needed.
func (b *Bus) Publish(ctx context.Context, key string, msg stream.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrClosed
	}

	s := b.stream(key)
	s.entries = append(s.entries, entry{id: fmt.Sprintf("%d-0", s.nextSeq), msg: msg})
	s.nextSeq++
	return nil
}

// Read delivers up to count undelivered entries to the named consumer,
// recording each as pending until acknowledged. When no entries are available
// it waits up to block before returning an empty batch; an empty batch is a
// normal outcome, not an error.
func (b *Bus) Read(ctx context.Context, key, group, consumer string, block time.Duration, count int64) ([]stream.Envelope, error) {
	deadline := time.Now().Add(block)
	for {
		envs, err := b.tryRead(key, group, consumer, count)
		if err != nil || len(envs) > 0 {
			return envs, err
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Bus) tryRead(key, group, consumer string, count int64) ([]stream.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, stream.ErrClosed
	}

	s, ok := b.streams[key]
	if !ok {
		return nil, fmt.Errorf("stream %s does not exist", key)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("consumer group %s does not exist on stream %s", group, key)
	}

	var envs []stream.Envelope
	now := time.Now()
	for g.cursor < len(s.entries) && int64(len(envs)) < count {
		e := s.entries[g.cursor]
		g.pending[e.id] = &pendingEntry{idx: g.cursor, consumer: consumer, deliveredAt: now, deliveries: 1}
		envs = append(envs, stream.Envelope{ID: e.id, Msg: e.msg})
		g.cursor++
	}
	return envs, nil
}

// Ack removes entries from the group's pending list. Unknown IDs are ignored,
// which keeps redelivered duplicates harmless.
func (b *Bus) Ack(ctx context.Context, key, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrClosed
	}

	s, ok := b.streams[key]
	if !ok {
		return fmt.Errorf("stream %s does not exist", key)
	}
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("consumer group %s does not exist on stream %s", group, key)
	}

	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// ClaimStale transfers pending entries idle for at least minIdle to the named
// consumer and redelivers them. This lets a replacement worker take over
// messages owned by a crashed one.
func (b *Bus) ClaimStale(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]stream.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, stream.ErrClosed
	}

	s, ok := b.streams[key]
	if !ok {
		return nil, fmt.Errorf("stream %s does not exist", key)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("consumer group %s does not exist on stream %s", group, key)
	}

	var envs []stream.Envelope
	now := time.Now()
	for _, e := range s.entries {
		p, ok := g.pending[e.id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		envs = append(envs, stream.Envelope{ID: e.id, Msg: e.msg})
		if int64(len(envs)) >= count {
			break
		}
	}
	return envs, nil
}

// PendingCount reports how many delivered entries the group has not yet acknowledged.
func (b *Bus) PendingCount(ctx context.Context, key, group string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, stream.ErrClosed
	}

	s, ok := b.streams[key]
	if !ok {
		return 0, fmt.Errorf("stream %s does not exist", key)
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, fmt.Errorf("consumer group %s does not exist on stream %s", group, key)
	}
	return int64(len(g.pending)), nil
}

// Close marks the bus closed. All subsequent operations fail with stream.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
