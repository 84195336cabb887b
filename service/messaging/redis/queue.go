// Package redis provides the production queue vendor backed by Redis
// Streams with consumer groups. A claim is an XREADGROUP delivery: the entry
// lands in the consumer's pending list and no other consumer of the group
// receives it. XACK removes the claim; entries left pending past the
// visibility window are re-claimed with XAUTOCLAIM.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inductiva/task-runner/service/messaging"
)

const payloadField = "payload"

// Config for the Redis streams queue vendor.
type Config struct {
	// Stream is the stream key tasks are published to.
	Stream string `json:"stream" yaml:"stream"`

	// Group is the consumer group shared by all workers of one resource
	// class; Consumer must be unique within the group.
	Group    string `json:"group" yaml:"group"`
	Consumer string `json:"consumer" yaml:"consumer"`

	// BlockTimeout bounds a single blocking read.
	BlockTimeout time.Duration `json:"blockTimeout" yaml:"blockTimeout"`

	// VisibilityTimeout is the idle time after which a pending entry owned
	// by a dead consumer becomes re-claimable.
	VisibilityTimeout time.Duration `json:"visibilityTimeout" yaml:"visibilityTimeout"`
}

// DefaultConfig returns the standard queue configuration.
func DefaultConfig() Config {
	return Config{
		Stream:            "tasks",
		Group:             "task-runners",
		BlockTimeout:      30 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
	}
}

// Message implements messaging.Message for a claimed stream entry.
type Message[T any] struct {
	entryID string
	payload T
	queue   *Queue[T]
	mu      sync.Mutex
	settled bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.payload
}

// Ack acknowledges and removes the entry from the stream.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.entryID)
	}
	ctx := context.Background()
	if err := m.queue.client.XAck(ctx, m.queue.config.Stream, m.queue.config.Group, m.entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", m.entryID, err)
	}
	m.settled = true
	// Acked entries carry no further value; trim them from the stream.
	_ = m.queue.client.XDel(ctx, m.queue.config.Stream, m.entryID).Err()
	return nil
}

// Nack leaves the entry in the pending list so that it is re-claimed once
// the visibility window elapses.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.entryID)
	}
	m.settled = true
	return nil
}

// Queue implements messaging.Queue on Redis streams.
type Queue[T any] struct {
	client redis.UniversalClient
	config Config
}

// NewQueue creates the stream and consumer group when missing.
func NewQueue[T any](client redis.UniversalClient, config Config) (*Queue[T], error) {
	if config.Stream == "" || config.Group == "" {
		return nil, fmt.Errorf("stream and group are required")
	}
	if config.Consumer == "" {
		return nil, fmt.Errorf("consumer name is required and must be unique within group %s", config.Group)
	}
	err := client.XGroupCreateMkStream(context.Background(), config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", config.Group, err)
	}
	return &Queue[T]{client: client, config: config}, nil
}

// Publish appends a payload to the stream.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Err()
}

// Consume claims a single entry: first re-claiming entries whose owner went
// idle past the visibility window, then blocking on new deliveries for the
// configured bounded timeout.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	if msg, err := q.autoClaim(ctx); err != nil || msg != nil {
		return msg, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    1,
		Block:    q.config.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, messaging.ErrNoMessage
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", q.config.Stream, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, messaging.ErrNoMessage
	}
	return q.decode(streams[0].Messages[0])
}

func (q *Queue[T]) autoClaim(ctx context.Context) (messaging.Message[T], error) {
	if q.config.VisibilityTimeout <= 0 {
		return nil, nil
	}
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to auto-claim from %s: %w", q.config.Stream, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return q.decode(entries[0])
}

func (q *Queue[T]) decode(entry redis.XMessage) (messaging.Message[T], error) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s has no %s field", entry.ID, payloadField)
	}
	msg := &Message[T]{entryID: entry.ID, queue: q}
	if err := json.Unmarshal([]byte(raw), &msg.payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry %s: %w", entry.ID, err)
	}
	return msg, nil
}

// DeleteConsumer removes this worker's consumer from the group; called on
// clean shutdown so the control plane can track live workers.
func (q *Queue[T]) DeleteConsumer(ctx context.Context) error {
	return q.client.XGroupDelConsumer(ctx, q.config.Stream, q.config.Group, q.config.Consumer).Err()
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
