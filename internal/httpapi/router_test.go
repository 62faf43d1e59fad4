package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_orchestrator/internal/cache"
	"llm_orchestrator/internal/health"
	"llm_orchestrator/internal/middleware"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/orchestrator"
	"llm_orchestrator/internal/providers"
	"llm_orchestrator/internal/queue"
	"llm_orchestrator/internal/session"
)

// stubProvider answers "hello from <id>" unless err is set
type stubProvider struct {
	id    string
	mu    sync.Mutex
	err   error
	block bool
}

func (p *stubProvider) ID() string                      { return p.id }
func (p *stubProvider) Kind() models.ProviderKind       { return models.ProviderKindRemote }
func (p *stubProvider) Probe(ctx context.Context) error { return p.currentErr() }
func (p *stubProvider) Close() error                    { return nil }

func (p *stubProvider) currentErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := p.currentErr(); err != nil {
		return nil, err
	}
	return &providers.CompletionResult{Content: "hello from " + p.id, TokensUsed: 3}, nil
}

type testServer struct {
	handler  http.Handler
	deps     *Dependencies
	stubs    map[string]*stubProvider
	sessions *session.Manager
}

func newTestServer(t *testing.T, configs ...models.ProviderConfig) *testServer {
	t.Helper()
	if len(configs) == 0 {
		configs = []models.ProviderConfig{
			{ID: "primary", Kind: models.ProviderKindRemote, Model: "m1", Priority: 1, Enabled: true, CostPerToken: 0.001},
			{ID: "backup", Kind: models.ProviderKindRemote, Model: "m2", Priority: 2, Enabled: true},
		}
	}

	stubs := make(map[string]*stubProvider)
	factory := providers.NewFactory()
	factory.Register(models.ProviderKindRemote, func(cfg models.ProviderConfig) (providers.Provider, error) {
		s := &stubProvider{id: cfg.ID}
		stubs[cfg.ID] = s
		return s, nil
	})

	store, err := providers.NewStore(configs, factory)
	require.NoError(t, err)

	sessions := session.NewManager(10)
	c := cache.New(cache.Config{Capacity: 50})
	tracker := health.NewTracker(health.Config{FailureThreshold: 3, CooldownBase: time.Minute}, store.List(), store, nil)

	engine, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Providers: store,
		Tracker:   tracker,
		Cache:     c,
		Sessions:  sessions,
	})
	require.NoError(t, err)

	deps := &Dependencies{
		Engine:   engine,
		Sessions: sessions,
		Cache:    c,
	}
	return &testServer{
		handler:  NewRouter(deps),
		deps:     deps,
		stubs:    stubs,
		sessions: sessions,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return env.Error
}

func TestComplete_Success(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	var resp completeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Responses, 1)
	assert.Equal(t, "primary", resp.Responses[0].ProviderUsed)
	assert.Equal(t, "hello from primary", resp.Responses[0].Content)
	assert.InDelta(t, 0.003, resp.Responses[0].Cost, 1e-12)
}

func TestComplete_Ensemble(t *testing.T) {
	s := newTestServer(t)
	s.stubs["backup"].fail(errors.New("down"))

	w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", Policy: models.PolicyEnsemble})
	require.Equal(t, http.StatusOK, w.Code)

	var resp completeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Responses, 2)
	assert.Empty(t, resp.Responses[0].Error)
	assert.Equal(t, models.ErrorKindProviderError, resp.Responses[1].ErrorKind)
}

func TestComplete_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"prompt":`},
		{"missing prompt", models.LLMRequest{}},
		{"unknown policy", models.LLMRequest{Prompt: "hi", Policy: "loudest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/complete", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, kindInvalidRequest, decodeError(t, w).Kind)
		})
	}
}

func TestComplete_ErrorStatusMapping(t *testing.T) {
	t.Run("rate limited explicit provider", func(t *testing.T) {
		s := newTestServer(t)
		s.stubs["primary"].fail(&providers.StatusError{StatusCode: 429})

		w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", Policy: models.PolicyExplicit, ExplicitProvider: "primary"})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, string(models.ErrorKindRateLimited), body.Kind)
		require.Len(t, body.Attempts, 1)
		assert.True(t, body.Attempts[0].Attempted)
	})

	t.Run("provider error", func(t *testing.T) {
		s := newTestServer(t)
		s.stubs["primary"].fail(errors.New("bad gateway"))

		w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", Policy: models.PolicyExplicit, ExplicitProvider: "primary"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("every provider failed", func(t *testing.T) {
		s := newTestServer(t)
		s.stubs["primary"].fail(errors.New("one"))
		s.stubs["backup"].fail(errors.New("two"))

		w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, string(models.ErrorKindAllProvidersExhausted), body.Kind)
		require.Len(t, body.Attempts, 2)
		assert.Equal(t, "primary", body.Attempts[0].ProviderID)
		assert.Equal(t, "one", body.Attempts[0].Error)
		assert.Equal(t, "backup", body.Attempts[1].ProviderID)
	})

	t.Run("budget exceeded", func(t *testing.T) {
		s := newTestServer(t, models.ProviderConfig{ID: "paid", Kind: models.ProviderKindRemote, Enabled: true, CostPerToken: 1, DefaultMaxTokens: 100})
		limit := 0.5

		w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", CostLimit: &limit})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, string(models.ErrorKindBudgetExceeded), decodeError(t, w).Kind)
	})

	t.Run("disabled explicit provider", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPut, "/v1/providers/primary/enabled", map[string]bool{"enabled": false})
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", Policy: models.PolicyExplicit, ExplicitProvider: "primary"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, string(models.ErrorKindProviderUnavailable), decodeError(t, w).Kind)
	})

	t.Run("overall deadline", func(t *testing.T) {
		s := newTestServer(t)
		s.stubs["primary"].block = true

		w := s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi", TimeoutMs: 30})
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		body := decodeError(t, w)
		assert.True(t, body.DeadlineExceeded)
	})
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrInvalidRequest, http.StatusBadRequest},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindBudgetExceeded}, http.StatusPaymentRequired},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindRateLimited}, http.StatusTooManyRequests},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindProviderTimeout}, http.StatusGatewayTimeout},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindAllProvidersExhausted, DeadlineExceeded: true}, http.StatusGatewayTimeout},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindAllProvidersExhausted}, http.StatusServiceUnavailable},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindProviderUnavailable}, http.StatusServiceUnavailable},
		{&orchestrator.AggregatedError{Kind: models.ErrorKindProviderError}, http.StatusBadGateway},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestSessions(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		SessionID string `json:"session_id"`
		MaxTurns  int    `json:"max_turns"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, 10, created.MaxTurns)

	w = s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "remember me", SessionID: created.SessionID})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got session.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got.Turns, 2)
	assert.Equal(t, "remember me", got.Turns[0].Content)
	assert.Equal(t, session.RoleAssistant, got.Turns[1].Role)

	w = s.do(t, http.MethodDelete, "/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, kindNotFound, decodeError(t, w).Kind)
}

func TestProviders(t *testing.T) {
	s := newTestServer(t)

	t.Run("list", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/providers", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Providers []models.ProviderConfig `json:"providers"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Providers, 2)
		assert.Equal(t, "primary", body.Providers[0].ID)
	})

	t.Run("statuses", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/providers/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Providers []models.ProviderStatus `json:"providers"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Providers, 2)
		assert.Equal(t, models.HealthUnknown, body.Providers[0].State)
	})

	t.Run("single status", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/providers/backup/status", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodGet, "/v1/providers/ghost/status", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("toggle", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/v1/providers/backup/enabled", map[string]bool{"enabled": false})
		require.Equal(t, http.StatusOK, w.Code)
		var status models.ProviderStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.False(t, status.Enabled)
		assert.False(t, status.Available)

		w = s.do(t, http.MethodPut, "/v1/providers/backup/enabled", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = s.do(t, http.MethodPut, "/v1/providers/ghost/enabled", map[string]bool{"enabled": true})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("probe", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/providers/primary/probe", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Healthy bool                  `json:"healthy"`
			Status  models.ProviderStatus `json:"status"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.True(t, body.Healthy)
		assert.Equal(t, models.HealthAvailable, body.Status.State)

		s.stubs["primary"].fail(errors.New("unreachable"))
		w = s.do(t, http.MethodPost, "/v1/providers/primary/probe", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.False(t, body.Healthy)
		assert.Equal(t, "unreachable", body.Status.LastError)

		w = s.do(t, http.MethodPost, "/v1/providers/ghost/probe", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

type fakeUsage struct {
	since    time.Time
	requests []*models.UsageRecord
	err      error
}

func (f *fakeUsage) SummaryByProvider(ctx context.Context, since time.Time) ([]models.ProviderUsageSummary, error) {
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return []models.ProviderUsageSummary{{ProviderID: "primary", Requests: 4, TotalCostUSD: 0.25}}, nil
}

func (f *fakeUsage) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.UsageRecord, error) {
	return f.requests, f.err
}

func TestUsage(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodGet, "/v1/usage", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("summary", func(t *testing.T) {
		s := newTestServer(t)
		usage := &fakeUsage{}
		s.deps.Usage = usage

		w := s.do(t, http.MethodGet, "/v1/usage?since=2024-03-01T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), usage.since)

		var body struct {
			Providers []models.ProviderUsageSummary `json:"providers"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Providers, 1)
		assert.Equal(t, int64(4), body.Providers[0].Requests)

		w = s.do(t, http.MethodGet, "/v1/usage", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, usage.since.Day())

		w = s.do(t, http.MethodGet, "/v1/usage?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("per request", func(t *testing.T) {
		s := newTestServer(t)
		requestID := uuid.New()
		s.deps.Usage = &fakeUsage{requests: []*models.UsageRecord{{RequestID: requestID, ProviderID: "primary"}}}

		w := s.do(t, http.MethodGet, "/v1/usage/requests/"+requestID.String(), nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Records []models.UsageRecord `json:"records"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Records, 1)
		assert.Equal(t, requestID, body.Records[0].RequestID)

		w = s.do(t, http.MethodGet, "/v1/usage/requests/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("storage error", func(t *testing.T) {
		s := newTestServer(t)
		s.deps.Usage = &fakeUsage{err: errors.New("connection lost")}

		w := s.do(t, http.MethodGet, "/v1/usage", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestCacheStats(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi"})
	s.do(t, http.MethodPost, "/v1/complete", models.LLMRequest{Prompt: "hi"})

	w := s.do(t, http.MethodGet, "/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
}

type fakeDeadLetters struct {
	items   []queue.DeadLetterItem
	retried []string
}

func (f *fakeDeadLetters) DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if maxItems < len(f.items) {
		return f.items[:maxItems], nil
	}
	return f.items, nil
}

func (f *fakeDeadLetters) RetryDeadLetterItem(ctx context.Context, id string) error {
	for _, item := range f.items {
		if item.ID == id {
			f.retried = append(f.retried, id)
			return nil
		}
	}
	return queue.ErrItemNotFound
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t)
	dl := &fakeDeadLetters{items: []queue.DeadLetterItem{
		{ID: "1", Item: json.RawMessage(`{"provider_id":"a"}`), Error: "boom"},
		{ID: "2", Item: json.RawMessage(`{"provider_id":"b"}`), Error: "boom"},
	}}
	s.deps.DeadLetters = map[string]DeadLetterSource{"billing": dl}

	w := s.do(t, http.MethodGet, "/v1/queues/billing/dead-letters?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Items []queue.DeadLetterItem `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "1", body.Items[0].ID)

	w = s.do(t, http.MethodGet, "/v1/queues/billing/dead-letters?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/queues/billing/dead-letters/2/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"2"}, dl.retried)

	w = s.do(t, http.MethodPost, "/v1/queues/billing/dead-letters/9/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/queues/usage/dead-letters", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	s.deps.Checks = map[string]HealthCheck{
		"redis":    func(ctx context.Context) error { return nil },
		"database": func(ctx context.Context) error { return errors.New("connection refused") },
	}
	w = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Equal(t, "connection refused", body.Checks["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/v1/complete", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/complete", nil)
	req.Header.Set("Origin", "https://skills.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
