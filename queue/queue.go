// Package queue provides the Redis dispatch queue that wakes workers when
// tasks are enqueued. The relational store stays the source of truth for
// task state; a lost wake-up is recovered by the periodic sweep, so the
// queue only ever carries task ids.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TocharianOU/newrag/config"
)

// Queue handles task dispatch over Redis.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a queue client and verifies the connection.
func New(ctx context.Context, cfg config.QueueConfig) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "newrag:tasks"
	}
	return &Queue{client: client, name: name}, nil
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Notify pushes a task id onto the dispatch list.
func (q *Queue) Notify(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.name, taskID).Err()
}

// Wait blocks until a task id arrives or the timeout elapses. An empty id
// with nil error means timeout; callers fall through to their sweep poll.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// Depth returns the number of pending wake-ups.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}
