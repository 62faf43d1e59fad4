package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"llm_orchestrator/internal/logging"
	"llm_orchestrator/internal/models"
)

// UsageWriter persists usage records
type UsageWriter interface {
	Create(ctx context.Context, record *models.UsageRecord) error
	CreateBatch(ctx context.Context, records []*models.UsageRecord) error
}

// UsageHandler writes queued usage records. It implements queue.Handler.
type UsageHandler struct {
	writer UsageWriter
}

// NewUsageHandler creates a handler for a usage queue worker
func NewUsageHandler(writer UsageWriter) *UsageHandler {
	return &UsageHandler{writer: writer}
}

// HandleBatch inserts the whole batch in one transaction
func (h *UsageHandler) HandleBatch(ctx context.Context, items []json.RawMessage) error {
	records := make([]*models.UsageRecord, 0, len(items))
	for _, item := range items {
		record, err := decodeUsage(item)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return h.writer.CreateBatch(ctx, records)
}

// Handle inserts a single record
func (h *UsageHandler) Handle(ctx context.Context, item json.RawMessage) error {
	record, err := decodeUsage(item)
	if err != nil {
		return err
	}
	return h.writer.Create(ctx, record)
}

// LogUsageWriter logs usage records instead of storing them. It is used when
// no database is configured.
type LogUsageWriter struct {
	logger *logging.Logger
}

func NewLogUsageWriter() *LogUsageWriter {
	return &LogUsageWriter{logger: logging.New("usage")}
}

func (w *LogUsageWriter) Create(ctx context.Context, record *models.UsageRecord) error {
	w.logger.Info("Usage",
		"request_id", record.RequestID,
		"provider", record.ProviderID,
		"outcome", record.Outcome,
		"tokens", record.TokensUsed,
		"cost_usd", record.CostUSD,
		"response_ms", record.ResponseTimeMS,
	)
	return nil
}

func (w *LogUsageWriter) CreateBatch(ctx context.Context, records []*models.UsageRecord) error {
	for _, record := range records {
		_ = w.Create(ctx, record)
	}
	return nil
}

func decodeUsage(item json.RawMessage) (*models.UsageRecord, error) {
	var record models.UsageRecord
	if err := json.Unmarshal(item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
	}
	return &record, nil
}
