package providers

import (
	"context"
	"time"

	"llm_orchestrator/internal/models"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral request built by the dispatch engine.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	History      []Message // prior turns, oldest first
	Prompt       string
	MaxTokens    int
	Temperature  float64
}

// Messages flattens the request into chat order: system, history, prompt.
func (r CompletionRequest) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.SystemPrompt})
	}
	msgs = append(msgs, r.History...)
	msgs = append(msgs, Message{Role: "user", Content: r.Prompt})
	return msgs
}

// CompletionResult is a successful provider answer.
type CompletionResult struct {
	Content    string
	TokensUsed int
	Latency    time.Duration
}

// Provider is implemented by each backend variant (local, remote).
type Provider interface {
	// ID returns the descriptor id this adapter was built for
	ID() string

	// Kind returns the variant tag
	Kind() models.ProviderKind

	// Complete sends one completion request. Cancellation of ctx aborts the call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// Probe performs a cheap reachability check used for health recovery
	Probe(ctx context.Context) error

	// Close releases idle connections
	Close() error
}

// Authenticator handles authentication for a provider.
type Authenticator interface {
	// Authenticate prepares authentication for a request
	Authenticate(ctx context.Context) (AuthContext, error)
}

// AuthContext holds authentication information for a request
type AuthContext interface {
	// ApplyToRequest applies authentication to an HTTP request
	ApplyToRequest(ctx context.Context, req any) error
}
