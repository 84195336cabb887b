package memory

import (
	"context"
	"sync"

	"github.com/inductiva/task-runner/service/messaging"
)

// CommandListener is an in-process implementation of the per-task command
// channel. The control-plane side pushes with Send; the tracker side blocks
// on Receive.
type CommandListener struct {
	mu       sync.Mutex
	channels map[string]chan string
}

// NewCommandListener creates an empty command listener.
func NewCommandListener() *CommandListener {
	return &CommandListener{channels: make(map[string]chan string)}
}

func (l *CommandListener) channel(taskID string) chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[taskID]
	if !ok {
		ch = make(chan string, 8)
		l.channels[taskID] = ch
	}
	return ch
}

// Receive blocks until a command for the task arrives.
func (l *CommandListener) Receive(ctx context.Context, taskID string) (string, error) {
	select {
	case msg := <-l.channel(taskID):
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Unblock wakes a pending Receive with the done command.
func (l *CommandListener) Unblock(ctx context.Context, taskID string) error {
	return l.Send(ctx, taskID, messaging.CommandDone)
}

// Send delivers a command to the task channel.
func (l *CommandListener) Send(ctx context.Context, taskID, command string) error {
	select {
	case l.channel(taskID) <- command:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ messaging.CommandListener = (*CommandListener)(nil)
