package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items     chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	size := int(config.MaxLength)
	if size <= 0 {
		size = config.BatchSize * 10
	}

	return &MemoryQueue{
		items: make(chan json.RawMessage, size),
		done:  make(chan struct{}),
	}
}

// Enqueue adds an item to the queue
func (q *MemoryQueue) Enqueue(ctx context.Context, item interface{}) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	data, err := encode(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	select {
	case q.items <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// DequeueWithTimeout retrieves items with a timeout
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var items []json.RawMessage
	select {
	case item := <-q.items:
		items = append(items, item)
	case <-timer.C:
		return items, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items, nil
		}
	}
	return items, nil
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	select {
	case <-q.done:
		return 0, ErrQueueClosed
	default:
	}
	return len(q.items), nil
}

// Close shuts down the queue. Pending items are discarded.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue in process memory
type MemoryDeadLetterQueue struct {
	mu     sync.RWMutex
	items  map[string]DeadLetterItem
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{items: make(map[string]DeadLetterItem)}
}

// Add adds a failed item to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, item json.RawMessage, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	dl := newDeadLetterItem(item, err)
	q.items[dl.ID] = dl
	return nil
}

// List returns items oldest first
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	items := make([]DeadLetterItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	return limitSorted(items, maxItems), nil
}

// Remove removes an item from the dead letter queue
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(q.items, id)
	return nil
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(item json.RawMessage, err error) DeadLetterItem {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeadLetterItem{
		ID:        uuid.New().String(),
		Item:      item,
		Error:     msg,
		Timestamp: time.Now(),
	}
}

func limitSorted(items []DeadLetterItem, maxItems int) []DeadLetterItem {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}
