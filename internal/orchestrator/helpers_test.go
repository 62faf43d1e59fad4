package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llm_orchestrator/internal/billing"
	"llm_orchestrator/internal/cache"
	"llm_orchestrator/internal/health"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/providers"
	"llm_orchestrator/internal/ratelimit"
	"llm_orchestrator/internal/session"
)

// fakeProvider answers with "answer from <id>" unless respond is set
type fakeProvider struct {
	id       string
	kind     models.ProviderKind
	mu       sync.Mutex
	calls    int
	requests []providers.CompletionRequest
	respond  func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error)
	probeErr error
}

func (f *fakeProvider) ID() string                { return f.id }
func (f *fakeProvider) Kind() models.ProviderKind { return f.kind }
func (f *fakeProvider) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(ctx, req)
	}
	return &providers.CompletionResult{Content: "answer from " + f.id, TokensUsed: 10}, nil
}

func (f *fakeProvider) setRespond(fn func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeProvider) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) lastRequest() providers.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func failWith(err error) func(context.Context, providers.CompletionRequest) (*providers.CompletionResult, error) {
	return func(context.Context, providers.CompletionRequest) (*providers.CompletionResult, error) {
		return nil, err
	}
}

func blockUntilDone(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("request aborted: %w", ctx.Err())
}

// recordingQueue stores everything enqueued
type recordingQueue struct {
	mu    sync.Mutex
	items []interface{}
}

func (q *recordingQueue) Enqueue(ctx context.Context, item interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *recordingQueue) usageRecords() []*models.UsageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.UsageRecord
	for _, item := range q.items {
		if r, ok := item.(*models.UsageRecord); ok {
			out = append(out, r)
		}
	}
	return out
}

func (q *recordingQueue) billingUpdates() []*billing.BillingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*billing.BillingUpdate
	for _, item := range q.items {
		if u, ok := item.(*billing.BillingUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func provider(id string, priority int, cost float64) models.ProviderConfig {
	return models.ProviderConfig{
		ID:               id,
		Kind:             models.ProviderKindLocal,
		Model:            "model-" + id,
		Priority:         priority,
		CostPerToken:     cost,
		Enabled:          true,
		DefaultMaxTokens: 100,
	}
}

type harness struct {
	engine   *Engine
	fakes    map[string]*fakeProvider
	store    *providers.Store
	tracker  *health.Tracker
	sessions *session.Manager
	ledger   *billing.MemoryService
	usage    *recordingQueue
	bills    *recordingQueue
}

type harnessOption func(cfg *Config, healthCfg *health.Config, limiter *ratelimit.Limiter)

func withCallTimeout(d time.Duration) harnessOption {
	return func(cfg *Config, _ *health.Config, _ *ratelimit.Limiter) { cfg.CallTimeout = d }
}

func withFailureThreshold(n int) harnessOption {
	return func(_ *Config, h *health.Config, _ *ratelimit.Limiter) { h.FailureThreshold = n }
}

func withLimiter(l ratelimit.Limiter) harnessOption {
	return func(_ *Config, _ *health.Config, limiter *ratelimit.Limiter) { *limiter = l }
}

func newHarness(t *testing.T, configs []models.ProviderConfig, opts ...harnessOption) *harness {
	t.Helper()

	fakes := make(map[string]*fakeProvider)
	factory := providers.NewFactory()
	creator := func(cfg models.ProviderConfig) (providers.Provider, error) {
		f := &fakeProvider{id: cfg.ID, kind: cfg.Kind}
		fakes[cfg.ID] = f
		return f, nil
	}
	factory.Register(models.ProviderKindLocal, creator)
	factory.Register(models.ProviderKindRemote, creator)

	store, err := providers.NewStore(configs, factory)
	require.NoError(t, err)

	cfg := DefaultConfig()
	healthCfg := health.Config{FailureThreshold: 3, CooldownBase: time.Minute, CooldownMax: time.Hour}
	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	for _, opt := range opts {
		opt(&cfg, &healthCfg, &limiter)
	}

	h := &harness{
		fakes:    fakes,
		store:    store,
		tracker:  health.NewTracker(healthCfg, store.List(), store, limiter),
		sessions: session.NewManager(10),
		ledger:   billing.NewMemoryService(),
		usage:    &recordingQueue{},
		bills:    &recordingQueue{},
	}

	h.engine, err = New(cfg, Deps{
		Providers:    store,
		Tracker:      h.tracker,
		Cache:        cache.New(cache.Config{Capacity: 100, Shards: 4}),
		Sessions:     h.sessions,
		Billing:      h.ledger,
		UsageQueue:   h.usage,
		BillingQueue: h.bills,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) status(t *testing.T, id string) models.ProviderStatus {
	t.Helper()
	s, err := h.engine.ProviderStatus(id)
	require.NoError(t, err)
	return s
}

func floatPtr(v float64) *float64 { return &v }
