package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTTL bounds how long an abandoned rendezvous record lingers when all
// peers crash before withdrawing.
const recordTTL = time.Hour

// RedisRendezvous keeps the membership record in a Redis hash keyed by job
// id. HSET gives the atomic read-modify-write the record needs; everything
// else is plain reads.
type RedisRendezvous struct {
	client redis.UniversalClient
}

// NewRedisRendezvous creates a rendezvous backed by the given client.
func NewRedisRendezvous(client redis.UniversalClient) *RedisRendezvous {
	return &RedisRendezvous{client: client}
}

func recordKey(jobID string) string {
	return fmt.Sprintf("cluster:%s:members", jobID)
}

func agreedKey(jobID string) string {
	return fmt.Sprintf("cluster:%s:agreed", jobID)
}

func (r *RedisRendezvous) Register(ctx context.Context, jobID, address string) error {
	key := recordKey(jobID)
	if err := r.client.HSet(ctx, key, address, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("failed to register %s for job %s: %w", address, jobID, err)
	}
	return r.client.Expire(ctx, key, recordTTL).Err()
}

func (r *RedisRendezvous) Peers(ctx context.Context, jobID string) ([]string, error) {
	peers, err := r.client.HKeys(ctx, recordKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of job %s: %w", jobID, err)
	}
	return peers, nil
}

// Commit publishes the agreed member list. SETNX makes the first commit win
// atomically; racing committers converge on whichever write landed first.
func (r *RedisRendezvous) Commit(ctx context.Context, jobID string, peers []string) error {
	key := agreedKey(jobID)
	if err := r.client.SetNX(ctx, key, strings.Join(peers, ","), recordTTL).Err(); err != nil {
		return fmt.Errorf("failed to commit membership of job %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisRendezvous) Committed(ctx context.Context, jobID string) ([]string, error) {
	value, err := r.client.Get(ctx, agreedKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agreed membership of job %s: %w", jobID, err)
	}
	return strings.Split(value, ","), nil
}

func (r *RedisRendezvous) Abandon(ctx context.Context, jobID, address string) error {
	return r.client.HDel(ctx, recordKey(jobID), address).Err()
}

var _ Rendezvous = (*RedisRendezvous)(nil)
