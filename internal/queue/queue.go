// Package queue moves usage and billing events off the request path.
//
// Two backends share one contract: MemoryQueue (channel based, lost on
// restart) and RedisQueue (a Redis list shared by every replica). Items are
// JSON-encoded on enqueue so both backends hand workers the same bytes.
// Worker drains a queue in batches, retries failures with exponential
// backoff and parks what still fails in a DeadLetterQueue.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue encodes item and appends it. It never blocks on a full queue.
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueWithTimeout waits up to timeout for the first item, then returns
	// whatever else is immediately available, up to maxItems
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// DeadLetterQueue keeps items that exhausted their retries
type DeadLetterQueue interface {
	Add(ctx context.Context, item json.RawMessage, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Item      json.RawMessage `json:"item"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// Name is the key suffix for Redis and the worker's log prefix
	Name string

	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait for the first item of a batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts per item
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// MaxLength bounds the queue; 0 uses BatchSize*10 in memory and leaves Redis unbounded
	MaxLength int64
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}

func encode(item interface{}) (json.RawMessage, error) {
	if raw, ok := item.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(item)
}
