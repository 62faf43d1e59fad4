package queue

import (
	"encoding/json"
	"errors"
)

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when a bounded in-memory queue has no room
	ErrQueueFull = errors.New("queue is full")

	// ErrItemNotFound is returned when a dead letter item is not found
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded is returned when an item exhausted its retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// BatchError reports that only part of a batch failed. The worker retries
// just Failed; the rest of the batch is considered handled.
type BatchError struct {
	Failed []json.RawMessage
	Err    error
}

func (e *BatchError) Error() string {
	return "partial batch failure: " + e.Err.Error()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
