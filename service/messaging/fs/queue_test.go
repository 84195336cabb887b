package fs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inductiva/task-runner/service/messaging"
)

type payload struct {
	Name string `json:"name"`
	Rank int    `json:"rank"`
}

func newTestQueue(t *testing.T, config Config) *Queue[payload] {
	t.Helper()
	if config.BaseURL == "" {
		config.BaseURL = t.TempDir()
	}
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Millisecond
	}
	queue, err := NewQueue[payload](nil, config)
	assert.NoError(t, err)
	return queue
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, Config{BlockTimeout: 50 * time.Millisecond})

	assert.NoError(t, queue.Publish(ctx, &payload{Name: "first", Rank: 1}))
	assert.NoError(t, queue.Publish(ctx, &payload{Name: "second", Rank: 2}))
	assert.Equal(t, 2, queue.Size(ctx))

	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "first", msg.T().Name)
	assert.NoError(t, msg.Ack())
	assert.Error(t, msg.Ack())

	msg, err = queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "second", msg.T().Name)
	assert.NoError(t, msg.Ack())

	assert.Equal(t, 0, queue.Size(ctx))
	_, err = queue.Consume(ctx)
	assert.ErrorIs(t, err, messaging.ErrNoMessage)
}

func TestNackRequeuesUntilDead(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, Config{BlockTimeout: 50 * time.Millisecond, MaxDeliveries: 2})

	assert.NoError(t, queue.Publish(ctx, &payload{Name: "flaky"}))

	msg, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NoError(t, msg.Nack(assert.AnError))

	// Second delivery hits the budget; the next nack dead-letters it.
	msg, err = queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NoError(t, msg.Nack(assert.AnError))

	assert.Equal(t, 0, queue.Size(ctx))
	assert.Equal(t, 1, queue.DeadSize(ctx))
	_, err = queue.Consume(ctx)
	assert.ErrorIs(t, err, messaging.ErrNoMessage)
}

func TestReopenRecoversOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	queue := newTestQueue(t, Config{BaseURL: dir, BlockTimeout: 50 * time.Millisecond})

	assert.NoError(t, queue.Publish(ctx, &payload{Name: "orphan"}))
	_, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, queue.Size(ctx))

	// Simulate a crash: the claim is never settled, a new queue opens the
	// same spool.
	reopened := newTestQueue(t, Config{BaseURL: dir, BlockTimeout: 50 * time.Millisecond})
	assert.Equal(t, 1, reopened.Size(ctx))

	msg, err := reopened.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "orphan", msg.T().Name)
	assert.NoError(t, msg.Ack())
}

func TestConsumeHonoursContext(t *testing.T) {
	queue := newTestQueue(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := queue.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequiresBaseURL(t *testing.T) {
	_, err := NewQueue[payload](nil, Config{})
	assert.Error(t, err)
}
