// Package messaging defines the queue boundary the worker consumes tasks
// from. A claim is exclusive: once a message is delivered to a consumer no
// other consumer of the same group receives it; acknowledgment removes it,
// while an unacknowledged message becomes re-claimable after the vendor's
// visibility window.
package messaging

import (
	"context"
)

// Vendor names a queue implementation.
type Vendor string

const (
	VendorMemory Vendor = "memory"
	VendorRedis  Vendor = "redis"
	VendorFS     Vendor = "fs"
)

// Queue represents an abstract message queue for any payload type.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue.
	Publish(ctx context.Context, t *T) error

	// Consume blocks until a message is claimed, the context is done, or the
	// vendor's bounded block time elapses (in which case it returns
	// ErrNoMessage).
	Consume(ctx context.Context) (Message[T], error)
}

// Message represents a message claimed from a queue.
type Message[T any] interface {
	// T returns the payload of this message.
	T() *T

	// Ack acknowledges successful processing and removes the message.
	Ack() error

	// Nack releases the claim so the message becomes re-claimable once the
	// visibility window elapses.
	Nack(err error) error
}

// Command messages delivered out-of-band for a claimed task.
const (
	CommandKill             = "kill"
	CommandDone             = "done"
	CommandEnableLogStream  = "enable_logging_stream"
	CommandDisableLogStream = "disable_logging_stream"
)

// CommandListener delivers control messages addressed to a single claimed
// task, such as a kill request from the control plane.
type CommandListener interface {
	// Receive blocks until a command for the task arrives.
	Receive(ctx context.Context, taskID string) (string, error)

	// Unblock wakes a pending Receive for the task with CommandDone.
	Unblock(ctx context.Context, taskID string) error
}
