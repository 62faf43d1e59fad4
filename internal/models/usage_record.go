package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome values stored alongside usage records, in addition to error kinds.
const (
	OutcomeSuccess = "success"
	OutcomeCached  = "cached"
)

// UsageRecord is the audit row emitted for every provider attempt or cache hit.
type UsageRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	RequestID      uuid.UUID `db:"request_id" json:"request_id"`
	ProviderID     string    `db:"provider_id" json:"provider_id"`
	Model          string    `db:"model" json:"model"`
	SessionID      string    `db:"session_id" json:"session_id"`
	Policy         string    `db:"policy" json:"policy"`
	Outcome        string    `db:"outcome" json:"outcome"`
	TokensUsed     int       `db:"tokens_used" json:"tokens_used"`
	CostUSD        float64   `db:"cost_usd" json:"cost_usd"`
	ResponseTimeMS int64     `db:"response_time_ms" json:"response_time_ms"`
	ErrorMessage   string    `db:"error_message" json:"error_message"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ProviderUsageSummary aggregates usage records for one provider.
type ProviderUsageSummary struct {
	ProviderID   string  `db:"provider_id" json:"provider_id"`
	Requests     int64   `db:"requests" json:"requests"`
	CacheHits    int64   `db:"cache_hits" json:"cache_hits"`
	Failures     int64   `db:"failures" json:"failures"`
	TotalTokens  int64   `db:"total_tokens" json:"total_tokens"`
	TotalCostUSD float64 `db:"total_cost_usd" json:"total_cost_usd"`
}
