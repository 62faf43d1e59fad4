package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llm_orchestrator/internal/logging"
)

// Handler processes queued items. HandleBatch is tried first; when it fails
// every item is retried individually through Handle, unless the error is a
// *BatchError naming the subset that failed.
type Handler interface {
	HandleBatch(ctx context.Context, items []json.RawMessage) error
	Handle(ctx context.Context, item json.RawMessage) error
}

// Worker drains a queue into a Handler
type Worker struct {
	queue       Queue
	dlq         DeadLetterQueue
	handler     Handler
	config      *Config
	logger      *logging.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker. dlq may be nil.
func NewWorker(q Queue, dlq DeadLetterQueue, handler Handler, config *Config) *Worker {
	if config == nil {
		config = DefaultConfig("worker")
	}

	return &Worker{
		queue:       q,
		dlq:         dlq,
		handler:     handler,
		config:      config,
		logger:      logging.New(config.Name + "-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop drains what is already queued, then stops the worker
func (w *Worker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds an item to the worker's queue
func (w *Worker) Enqueue(ctx context.Context, item interface{}) error {
	return w.queue.Enqueue(ctx, item)
}

// QueueLength returns the current queue length
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.drain(ctx)
			w.logger.Info("Worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
			w.processBatch(ctx, w.config.BatchTimeout)
		}
	}
}

// drain processes whatever is immediately available before shutdown.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if n := w.processBatch(ctx, 10*time.Millisecond); n == 0 {
			return
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, timeout time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if ctx.Err() == nil && err != ErrQueueClosed {
			w.logger.Error("Failed to dequeue", "error", err)
			w.sleep(ctx, time.Second)
		}
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing batch", "count", len(items))

	if err := w.handler.HandleBatch(ctx, items); err != nil {
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			items = batchErr.Failed
		}
		w.logger.Warn("Batch failed, falling back to individual items", "count", len(items), "error", err)
		for _, item := range items {
			if err := w.processItem(ctx, item); err != nil {
				w.logger.Error("Failed to process item", "error", err)
			}
		}
	}
	return len(items)
}

// processItem retries one item with exponential backoff, then parks it in the DLQ
func (w *Worker) processItem(ctx context.Context, item json.RawMessage) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying item", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		if err := w.handler.Handle(ctx, item); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, item, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Item moved to DLQ", "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// sleep waits d or until ctx is done; it reports whether d fully elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DeadLetterItems returns items from the dead letter queue
func (w *Worker) DeadLetterItems(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a parked item and removes it from the DLQ
func (w *Worker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dl := range items {
		if dl.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dl.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return ErrItemNotFound
}
