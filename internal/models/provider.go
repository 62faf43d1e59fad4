package models

import (
	"fmt"
	"time"
)

// ProviderKind distinguishes the on-box model from cloud providers.
type ProviderKind string

const (
	ProviderKindLocal  ProviderKind = "local"
	ProviderKindRemote ProviderKind = "remote"
)

// ProviderConfig describes one LLM backend. Only Enabled changes after load.
type ProviderConfig struct {
	ID                 string       `json:"id" yaml:"id"`
	Kind               ProviderKind `json:"kind" yaml:"kind"`
	Model              string       `json:"model" yaml:"model"`
	Priority           int          `json:"priority" yaml:"priority"`
	CostPerToken       float64      `json:"cost_per_token" yaml:"cost_per_token"`
	RateLimitPerSecond int          `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	Enabled            bool         `json:"enabled" yaml:"enabled"`
	DefaultMaxTokens   int          `json:"default_max_tokens" yaml:"default_max_tokens"`
	DefaultTemperature float64      `json:"default_temperature" yaml:"default_temperature"`

	// Transport settings
	BaseURL        string  `json:"base_url,omitempty" yaml:"base_url"`
	APIKeyEnv      string  `json:"-" yaml:"api_key_env"`
	APIKeyHeader   string  `json:"-" yaml:"api_key_header"`
	APIKeyPrefix   string  `json:"-" yaml:"api_key_prefix"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	MonthlyBudget  float64 `json:"monthly_budget_usd,omitempty" yaml:"monthly_budget_usd"`
}

// Validate checks the invariants every descriptor must satisfy at load time.
func (p *ProviderConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	switch p.Kind {
	case ProviderKindLocal, ProviderKindRemote:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
	}
	if p.CostPerToken < 0 {
		return fmt.Errorf("provider %s: cost_per_token must be >= 0", p.ID)
	}
	if p.RateLimitPerSecond < 0 {
		return fmt.Errorf("provider %s: rate_limit_per_second must be >= 0", p.ID)
	}
	if p.DefaultMaxTokens < 0 {
		return fmt.Errorf("provider %s: default_max_tokens must be >= 0", p.ID)
	}
	if p.MonthlyBudget < 0 {
		return fmt.Errorf("provider %s: monthly_budget_usd must be >= 0", p.ID)
	}
	return nil
}

// CallTimeout returns the per-call timeout override, or fallback when unset.
func (p *ProviderConfig) CallTimeout(fallback time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return fallback
}

// CalculateCost returns the monetary cost of the given token count.
func (p *ProviderConfig) CalculateCost(tokens int) float64 {
	return float64(tokens) * p.CostPerToken
}

// HealthState is the coarse availability state of a provider.
type HealthState string

const (
	HealthUnknown     HealthState = "unknown"
	HealthAvailable   HealthState = "available"
	HealthRateLimited HealthState = "rate_limited"
	HealthUnavailable HealthState = "unavailable"
)

// ProviderStatus is a point-in-time copy of a provider's runtime record.
type ProviderStatus struct {
	ProviderID          string      `json:"provider_id"`
	State               HealthState `json:"state"`
	Enabled             bool        `json:"enabled"`
	Available           bool        `json:"available"`
	CooldownUntil       time.Time   `json:"cooldown_until,omitempty"`
	RequestCount        int64       `json:"request_count"`
	CacheHitCount       int64       `json:"cache_hit_count"`
	FailureCount        int64       `json:"failure_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CumulativeCost      float64     `json:"cumulative_cost"`
	CumulativeTokens    int64       `json:"cumulative_tokens"`
	AvgResponseTimeMs   float64     `json:"avg_response_time_ms"`
	LastError           string      `json:"last_error,omitempty"`
	LastUpdated         time.Time   `json:"last_updated"`
}
