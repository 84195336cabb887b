package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inductiva/task-runner/service/messaging"
)

type testPayload struct {
	ID    string
	Count int
}

func TestQueuePublishConsumeAck(t *testing.T) {
	config := DefaultConfig()
	config.RequeueDelay = 10 * time.Millisecond
	queue := NewQueue[testPayload](config)

	ctx := context.Background()
	payload := testPayload{ID: "t-1", Count: 1}

	err := queue.Publish(ctx, &payload)
	assert.NoError(t, err)
	assert.Equal(t, 1, queue.Size())

	message, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, payload, *message.T())

	assert.NoError(t, message.Ack())
	assert.Error(t, message.Ack(), "double ack is rejected")
}

func TestQueueNackRequeues(t *testing.T) {
	config := DefaultConfig()
	config.RequeueDelay = time.Millisecond
	queue := NewQueue[testPayload](config)

	ctx := context.Background()
	assert.NoError(t, queue.Publish(ctx, &testPayload{ID: "t-2"}))

	message, err := queue.Consume(ctx)
	assert.NoError(t, err)
	assert.NoError(t, message.Nack(fmt.Errorf("worker preempted")))

	// The same payload becomes claimable again.
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	message, err = queue.Consume(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "t-2", message.T().ID)
	assert.NoError(t, message.Ack())
}

func TestQueueDeadLettersAfterBudget(t *testing.T) {
	config := DefaultConfig()
	config.RequeueDelay = time.Millisecond
	config.MaxDeliveries = 2
	queue := NewQueue[testPayload](config)

	ctx := context.Background()
	assert.NoError(t, queue.Publish(ctx, &testPayload{ID: "t-3"}))

	for i := 0; i < 2; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		message, err := queue.Consume(waitCtx)
		cancel()
		assert.NoError(t, err)
		assert.NoError(t, message.Nack(fmt.Errorf("attempt %d", i)))
	}

	assert.Eventually(t, func() bool { return queue.DLQSize() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestQueueBoundedBlock(t *testing.T) {
	config := DefaultConfig()
	config.BlockTimeout = 20 * time.Millisecond
	queue := NewQueue[testPayload](config)

	started := time.Now()
	_, err := queue.Consume(context.Background())
	assert.ErrorIs(t, err, messaging.ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

func TestCommandListener(t *testing.T) {
	listener := NewCommandListener()
	ctx := context.Background()

	assert.NoError(t, listener.Send(ctx, "t-1", messaging.CommandKill))
	msg, err := listener.Receive(ctx, "t-1")
	assert.NoError(t, err)
	assert.Equal(t, messaging.CommandKill, msg)

	assert.NoError(t, listener.Unblock(ctx, "t-1"))
	msg, err = listener.Receive(ctx, "t-1")
	assert.NoError(t, err)
	assert.Equal(t, messaging.CommandDone, msg)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = listener.Receive(cancelled, "t-2")
	assert.ErrorIs(t, err, context.Canceled)
}
