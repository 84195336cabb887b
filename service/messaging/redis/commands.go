package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inductiva/task-runner/service/messaging"
)

// CommandListener delivers per-task control messages over a Redis list keyed
// by task id. The control plane LPUSHes commands; the worker blocks on BRPOP.
type CommandListener struct {
	client redis.UniversalClient

	// PollTimeout re-arms the blocking pop so a cancelled context is
	// observed promptly.
	PollTimeout time.Duration
}

// NewCommandListener creates a listener on the shared Redis connection.
func NewCommandListener(client redis.UniversalClient) *CommandListener {
	return &CommandListener{client: client, PollTimeout: 10 * time.Second}
}

func commandKey(taskID string) string {
	return fmt.Sprintf("task:%s:commands", taskID)
}

// Receive blocks until a command for the task arrives.
func (l *CommandListener) Receive(ctx context.Context, taskID string) (string, error) {
	for {
		values, err := l.client.BRPop(ctx, l.PollTimeout, commandKey(taskID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return "", fmt.Errorf("failed to receive command for task %s: %w", taskID, err)
		}
		if len(values) == 2 {
			return values[1], nil
		}
	}
}

// Unblock wakes a pending Receive with the done command.
func (l *CommandListener) Unblock(ctx context.Context, taskID string) error {
	return l.Send(ctx, taskID, messaging.CommandDone)
}

// Send pushes a command onto the task channel; used by the control plane and
// by tests.
func (l *CommandListener) Send(ctx context.Context, taskID, command string) error {
	return l.client.LPush(ctx, commandKey(taskID), command).Err()
}

var _ messaging.CommandListener = (*CommandListener)(nil)
