package models

import (
	"fmt"
	"time"
)

// Policy selects how the dispatch engine picks providers.
type Policy string

const (
	PolicyExplicit      Policy = "explicit"
	PolicyAuto          Policy = "auto"
	PolicyFallbackChain Policy = "fallback_chain"
	PolicyEnsemble      Policy = "ensemble"
)

// ErrorKind classifies a failed attempt or request.
type ErrorKind string

const (
	ErrorKindProviderUnavailable   ErrorKind = "provider_unavailable"
	ErrorKindProviderTimeout       ErrorKind = "provider_timeout"
	ErrorKindProviderError         ErrorKind = "provider_error"
	ErrorKindRateLimited           ErrorKind = "rate_limited"
	ErrorKindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
	ErrorKindBudgetExceeded        ErrorKind = "budget_exceeded"
)

// LLMRequest is what collaborators submit for completion.
type LLMRequest struct {
	Prompt           string   `json:"prompt"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	CreateSession    bool     `json:"create_session,omitempty"` // start a session when SessionID is empty
	Policy           Policy   `json:"policy"`
	ExplicitProvider string   `json:"explicit_provider,omitempty"`
	ProviderChain    []string `json:"provider_chain,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	CostLimit        *float64 `json:"cost_limit,omitempty"`
	TimeoutMs        int      `json:"timeout_ms,omitempty"`
}

// Validate checks the request shape. An empty policy is treated as auto.
func (r *LLMRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if r.Policy == "" {
		r.Policy = PolicyAuto
	}
	switch r.Policy {
	case PolicyExplicit:
		if r.ExplicitProvider == "" {
			return fmt.Errorf("explicit_provider is required for policy %s", r.Policy)
		}
	case PolicyFallbackChain:
		if len(r.ProviderChain) == 0 {
			return fmt.Errorf("provider_chain is required for policy %s", r.Policy)
		}
	case PolicyAuto, PolicyEnsemble:
	default:
		return fmt.Errorf("unknown policy %q", r.Policy)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0")
	}
	if r.CostLimit != nil && *r.CostLimit < 0 {
		return fmt.Errorf("cost_limit must be >= 0")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be >= 0")
	}
	return nil
}

// Deadline returns the overall request deadline, or fallback when unset.
func (r *LLMRequest) Deadline(fallback time.Duration) time.Duration {
	if r.TimeoutMs > 0 {
		return time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// LLMResponse is the outcome of one provider call or cache hit.
type LLMResponse struct {
	ProviderUsed   string    `json:"provider_used"`
	Model          string    `json:"model,omitempty"`
	Content        string    `json:"content"`
	TokensUsed     int       `json:"tokens_used"`
	Cost           float64   `json:"cost"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Cached         bool      `json:"cached"`
	SessionID      string    `json:"session_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
}

// Failed reports whether the response carries an error.
func (r *LLMResponse) Failed() bool {
	return r.Error != "" || r.ErrorKind != ""
}
