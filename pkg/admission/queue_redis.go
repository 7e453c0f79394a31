package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// boundedPushScript makes the capacity check and the push one atomic step.
// KEYS[1] = queue list key
// ARGV[1] = task id
// ARGV[2] = capacity (max list length)
var boundedPushScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[2])

local len = redis.call("LLEN", key)
if len >= capacity then
    return 0
end

redis.call("RPUSH", key, ARGV[1])
return len + 1
`)

// RedisQueue is a LazyQueue on a Redis list. The bounded push runs as a Lua
// script so concurrent producers cannot race the capacity check past the
// limit. The client is owned by the caller.
type RedisQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

func NewRedisQueue(client *redis.Client, key string, capacity int) *RedisQueue {
	if key == "" {
		key = "warden:lazy_queue"
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisQueue{client: client, key: key, capacity: capacity}
}

func (q *RedisQueue) Push(ctx context.Context, taskID string) error {
	res, err := boundedPushScript.Run(ctx, q.client, []string{q.key}, taskID, q.capacity).Result()
	if err != nil {
		return fmt.Errorf("redis queue push: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return fmt.Errorf("redis queue push: invalid response from lua script")
	}
	if n == 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis queue pop: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Remove(ctx context.Context, taskID string) error {
	if err := q.client.LRem(ctx, q.key, 1, taskID).Err(); err != nil {
		return fmt.Errorf("redis queue remove: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue len: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error { return nil }
