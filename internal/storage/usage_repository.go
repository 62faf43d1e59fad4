package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_orchestrator/internal/models"
)

const insertUsageQuery = `
	INSERT INTO usage_records (
		id, request_id, provider_id, model, session_id, policy, outcome,
		tokens_used, cost_usd, response_time_ms, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING created_at
`

const selectUsageColumns = `
	SELECT id, request_id, provider_id, model, session_id, policy, outcome,
	       tokens_used, cost_usd, response_time_ms, error_message, created_at
	FROM usage_records
`

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts a usage record, assigning an ID when missing
func (r *UsageRepository) Create(ctx context.Context, record *models.UsageRecord) error {
	if err := insertUsage(ctx, r.db.conn, record); err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// CreateBatch inserts records in a single transaction
func (r *UsageRepository) CreateBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		if err := insertUsage(ctx, tx, record); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertUsage(ctx context.Context, q sqlx.QueryerContext, record *models.UsageRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	return q.QueryRowxContext(
		ctx, insertUsageQuery,
		record.ID, record.RequestID, record.ProviderID, record.Model,
		record.SessionID, record.Policy, record.Outcome, record.TokensUsed,
		record.CostUSD, record.ResponseTimeMS, record.ErrorMessage,
	).Scan(&record.CreatedAt)
}

// GetByID retrieves a usage record by ID
func (r *UsageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	var record models.UsageRecord
	err := r.db.conn.GetContext(ctx, &record, selectUsageColumns+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return &record, nil
}

// ListByRequest returns every attempt recorded for one request, oldest first
func (r *UsageRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.UsageRecord, error) {
	var records []*models.UsageRecord
	err := r.db.conn.SelectContext(ctx, &records, selectUsageColumns+` WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}

// SummaryByProvider aggregates records created at or after since
func (r *UsageRepository) SummaryByProvider(ctx context.Context, since time.Time) ([]models.ProviderUsageSummary, error) {
	query := `
		SELECT provider_id,
		       COUNT(*) AS requests,
		       COUNT(*) FILTER (WHERE outcome = 'cached') AS cache_hits,
		       COUNT(*) FILTER (WHERE outcome NOT IN ('success', 'cached')) AS failures,
		       COALESCE(SUM(tokens_used), 0) AS total_tokens,
		       COALESCE(SUM(cost_usd), 0) AS total_cost_usd
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY provider_id
		ORDER BY provider_id
	`

	var summaries []models.ProviderUsageSummary
	if err := r.db.conn.SelectContext(ctx, &summaries, query, since); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summaries, nil
}

// DeleteBefore removes records older than cutoff and returns how many went
func (r *UsageRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	return result.RowsAffected()
}
