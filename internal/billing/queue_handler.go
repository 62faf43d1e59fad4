package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llm_orchestrator/internal/queue"
)

// BillingUpdate is one successful call's cost, queued off the request path
type BillingUpdate struct {
	ProviderID string    `json:"provider_id"`
	CostUSD    float64   `json:"cost_usd"`
	Timestamp  time.Time `json:"timestamp"`
}

// QueueHandler applies queued BillingUpdates to a Service. It implements
// queue.Handler.
type QueueHandler struct {
	service Service
}

// NewQueueHandler creates a handler for a billing queue worker
func NewQueueHandler(service Service) *QueueHandler {
	return &QueueHandler{service: service}
}

// HandleBatch sums a batch per provider so each provider costs one ledger
// write. Items of providers whose write failed are returned in a
// *queue.BatchError so only they are retried.
func (h *QueueHandler) HandleBatch(ctx context.Context, items []json.RawMessage) error {
	totals := make(map[string]float64)
	members := make(map[string][]json.RawMessage)
	var order []string
	for _, item := range items {
		update, err := decodeUpdate(item)
		if err != nil {
			return err
		}
		if _, seen := totals[update.ProviderID]; !seen {
			order = append(order, update.ProviderID)
		}
		totals[update.ProviderID] += update.CostUSD
		members[update.ProviderID] = append(members[update.ProviderID], item)
	}

	var (
		errs   []error
		failed []json.RawMessage
	)
	for _, providerID := range order {
		if err := h.service.AddUsage(ctx, providerID, totals[providerID]); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", providerID, err))
			failed = append(failed, members[providerID]...)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &queue.BatchError{Failed: failed, Err: errors.Join(errs...)}
}

// Handle applies a single update
func (h *QueueHandler) Handle(ctx context.Context, item json.RawMessage) error {
	update, err := decodeUpdate(item)
	if err != nil {
		return err
	}
	return h.service.AddUsage(ctx, update.ProviderID, update.CostUSD)
}

func decodeUpdate(item json.RawMessage) (BillingUpdate, error) {
	var update BillingUpdate
	if err := json.Unmarshal(item, &update); err != nil {
		return update, fmt.Errorf("failed to unmarshal billing update: %w", err)
	}
	if update.ProviderID == "" {
		return update, fmt.Errorf("billing update has no provider id")
	}
	return update, nil
}
