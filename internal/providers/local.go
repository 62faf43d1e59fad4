package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llm_orchestrator/internal/models"
)

const localDefaultBaseURL = "http://localhost:11434"

// LocalProvider talks to an on-box Ollama server through /api/generate.
type LocalProvider struct {
	id       string
	endpoint httpEndpoint
}

// NewLocalProvider builds a local adapter. No credentials are used.
func NewLocalProvider(cfg models.ProviderConfig) (Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = localDefaultBaseURL
	}

	return &LocalProvider{
		id:       cfg.ID,
		endpoint: newHTTPEndpoint(baseURL, NoAuth{}),
	}, nil
}

func (p *LocalProvider) ID() string {
	return p.id
}

func (p *LocalProvider) Kind() models.ProviderKind {
	return models.ProviderKindLocal
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete posts a non-streaming generate request. History is rendered
// into the prompt as "role: content" lines.
func (p *LocalProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	start := time.Now()

	payload := generateRequest{
		Model:  req.Model,
		Prompt: renderPrompt(req.History, req.Prompt),
		System: req.SystemPrompt,
		Stream: false,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	var resp generateResponse
	if err := p.endpoint.do(ctx, http.MethodPost, "/api/generate", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Done {
		return nil, fmt.Errorf("%w: generation not finished", ErrMalformedResponse)
	}

	return &CompletionResult{
		Content:    resp.Response,
		TokensUsed: resp.PromptEvalCount + resp.EvalCount,
		Latency:    time.Since(start),
	}, nil
}

// Probe lists locally installed models
func (p *LocalProvider) Probe(ctx context.Context) error {
	return p.endpoint.do(ctx, http.MethodGet, "/api/tags", nil, nil)
}

func (p *LocalProvider) Close() error {
	p.endpoint.close()
	return nil
}

func renderPrompt(history []Message, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(prompt)
	return b.String()
}
