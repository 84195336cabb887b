package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to a Redis stream consumed by the control plane.
type RedisSink struct {
	client redis.UniversalClient
	stream string
}

// NewRedisSink creates a sink publishing to the named stream.
func NewRedisSink(client redis.UniversalClient, stream string) *RedisSink {
	if stream == "" {
		stream = "events"
	}
	return &RedisSink{client: client, stream: stream}
}

// Publish appends one event entry.
func (s *RedisSink) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"event": string(data)},
	}).Err()
}

var _ Sink = (*RedisSink)(nil)
