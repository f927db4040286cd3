package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue buffers translated events between the webhook handler and the
// ingest workers.
type Queue interface {
	Enqueue(ctx context.Context, ev InboundEvent) error
	// Dequeue waits up to wait for an event. A nil event with a nil error
	// means the wait elapsed.
	Dequeue(ctx context.Context, wait time.Duration) (*InboundEvent, error)
}

// MemoryQueue is a Queue backed by a buffered channel.
type MemoryQueue struct {
	ch chan InboundEvent
}

// NewMemoryQueue creates a MemoryQueue with the provided buffer capacity.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan InboundEvent, buffer)}
}

// Enqueue adds an event or blocks until ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, ev InboundEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*InboundEvent, error) {
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-q.ch:
			return &ev, nil
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case ev := <-q.ch:
		return &ev, nil
	}
}

// Len reports the number of buffered events.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// RedisQueue is a Queue backed by a Redis list, shared across processes.
type RedisQueue struct {
	client *redis.Client
	key    string
}

const defaultQueueKey = "coaching:inbound-events"

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if client == nil {
		panic("events: redis client required")
	}
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, ev InboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal queued event: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("events: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*InboundEvent, error) {
	if wait <= 0 {
		wait = time.Second
	}
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("events: dequeue: unexpected reply length %d", len(res))
	}
	var ev InboundEvent
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return nil, fmt.Errorf("events: decode queued event: %w", err)
	}
	return &ev, nil
}

// Len reports the number of queued events.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
