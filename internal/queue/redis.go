package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// boundedPushScript appends and trims the oldest entries beyond max_size.
var boundedPushScript = redis.NewScript(`
	local key = KEYS[1]
	local value = ARGV[1]
	local max_size = tonumber(ARGV[2])

	redis.call('RPUSH', key, value)

	local len = redis.call('LLEN', key)
	if len > max_size then
		redis.call('LTRIM', key, len - max_size, -1)
	end

	return len
`)

// RedisQueue implements Queue on a Redis list. The client is owned by the caller.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.Name),
	}, nil
}

// Enqueue adds an item to the queue, trimming the oldest entries when bounded
func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	data, err := encode(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if q.config.MaxLength > 0 {
		if err := boundedPushScript.Run(ctx, q.client, []string{q.qKey}, []byte(data), q.config.MaxLength).Err(); err != nil {
			return fmt.Errorf("failed to push to Redis: %w", err)
		}
		return nil
	}

	if err := q.client.RPush(ctx, q.qKey, []byte(data)).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves items with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items := []json.RawMessage{json.RawMessage(result[1])}

	for len(items) < maxItems {
		value, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			break
		}
		items = append(items, json.RawMessage(value))
	}

	return items, nil
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(client *redis.Client, name string) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", name),
	}
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, item json.RawMessage, err error) error {
	dl := newDeadLetterItem(item, err)

	data, marshalErr := json.Marshal(dl)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dl.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List returns items oldest first
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dl DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dl)
	}
	return limitSorted(items, maxItems), nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
