// Package memory provides an in-process queue vendor used by tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inductiva/task-runner/service/messaging"
)

// Config for the memory queue vendor.
type Config struct {
	// BlockTimeout bounds a Consume call; zero blocks until context done.
	BlockTimeout time.Duration

	// RequeueDelay is the wait before a nacked message becomes claimable.
	RequeueDelay time.Duration

	// MaxDeliveries moves a message to the dead-letter list once exceeded.
	MaxDeliveries int

	// Buffer is the channel capacity.
	Buffer int
}

// DefaultConfig returns a standard configuration for the memory queue.
func DefaultConfig() Config {
	return Config{
		RequeueDelay:  100 * time.Millisecond,
		MaxDeliveries: 3,
		Buffer:        100,
	}
}

// Message implements messaging.Message for the in-memory queue.
type Message[T any] struct {
	id         string
	payload    T
	queue      *Queue[T]
	deliveries int
	mu         sync.Mutex
	settled    bool
}

// T returns the message payload.
func (m *Message[T]) T() *T {
	return &m.payload
}

// Ack acknowledges the message as processed successfully.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.id)
	}
	m.settled = true
	return nil
}

// Nack releases the claim; the message is requeued after the configured
// delay until the delivery budget is exhausted, then dead-lettered.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("message %s already settled", m.id)
	}
	m.settled = true

	if m.deliveries >= m.queue.config.MaxDeliveries {
		m.queue.deadLetter(m)
		return nil
	}
	go func() {
		time.Sleep(m.queue.config.RequeueDelay)
		m.queue.requeue(m)
	}()
	return nil
}

// Queue implements an in-memory messaging.Queue.
type Queue[T any] struct {
	messages chan *Message[T]
	config   Config
	dlqMu    sync.Mutex
	dlq      []*Message[T]
}

// NewQueue creates a new in-memory queue.
func NewQueue[T any](config Config) *Queue[T] {
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	return &Queue[T]{
		messages: make(chan *Message[T], config.Buffer),
		config:   config,
	}
}

// Publish adds a new item to the queue.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	msg := &Message[T]{
		id:      uuid.New().String(),
		payload: *t,
		queue:   q,
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume claims a single item, honouring the bounded block timeout.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	var timeout <-chan time.Time
	if q.config.BlockTimeout > 0 {
		timer := time.NewTimer(q.config.BlockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case msg := <-q.messages:
		msg.deliveries++
		msg.settled = false
		return msg, nil
	case <-timeout:
		return nil, messaging.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue[T]) requeue(m *Message[T]) {
	select {
	case q.messages <- m:
	default:
		q.deadLetter(m)
	}
}

func (q *Queue[T]) deadLetter(m *Message[T]) {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	q.dlq = append(q.dlq, m)
}

// Size returns the current number of claimable messages.
func (q *Queue[T]) Size() int {
	return len(q.messages)
}

// DLQSize returns the number of dead-lettered messages.
func (q *Queue[T]) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// ensure Queue implements messaging.Queue interface
var _ messaging.Queue[any] = (*Queue[any])(nil)
