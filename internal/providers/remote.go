package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"llm_orchestrator/internal/models"
)

const remoteDefaultBaseURL = "https://api.openai.com/v1"

// RemoteProvider talks to any OpenAI-compatible chat completions endpoint.
type RemoteProvider struct {
	id       string
	endpoint httpEndpoint
}

// NewRemoteProvider builds a remote adapter. When APIKeyEnv is set the key is
// read from that environment variable and must be present.
func NewRemoteProvider(cfg models.ProviderConfig) (Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = remoteDefaultBaseURL
	}

	var auth Authenticator = NoAuth{}
	if cfg.APIKeyEnv != "" {
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.APIKeyEnv)
		}
		auth = NewSimpleAPIKeyAuth(apiKey, cfg.APIKeyHeader, cfg.APIKeyPrefix)
	}

	return &RemoteProvider{
		id:       cfg.ID,
		endpoint: newHTTPEndpoint(baseURL, auth),
	}, nil
}

func (p *RemoteProvider) ID() string {
	return p.id
}

func (p *RemoteProvider) Kind() models.ProviderKind {
	return models.ProviderKindRemote
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete posts to /chat/completions
func (p *RemoteProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	start := time.Now()

	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var resp chatCompletionResponse
	if err := p.endpoint.do(ctx, http.MethodPost, "/chat/completions", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return &CompletionResult{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: tokens,
		Latency:    time.Since(start),
	}, nil
}

// Probe lists models, which also validates credentials
func (p *RemoteProvider) Probe(ctx context.Context) error {
	return p.endpoint.do(ctx, http.MethodGet, "/models", nil, nil)
}

func (p *RemoteProvider) Close() error {
	p.endpoint.close()
	return nil
}
