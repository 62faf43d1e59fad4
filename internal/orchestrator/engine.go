// Package orchestrator routes completion requests to providers under the
// explicit, auto, fallback_chain and ensemble policies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"llm_orchestrator/internal/billing"
	"llm_orchestrator/internal/cache"
	"llm_orchestrator/internal/health"
	"llm_orchestrator/internal/logging"
	"llm_orchestrator/internal/metrics"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/providers"
	"llm_orchestrator/internal/session"
)

// Enqueuer accepts items for asynchronous processing. queue.Worker implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item interface{}) error
}

// Config holds dispatch timing
type Config struct {
	CallTimeout     time.Duration // per provider call, unless the descriptor overrides it
	RequestDeadline time.Duration // overall, unless the request sets timeout_ms
	CacheTTL        time.Duration // 0 uses the cache default
	ProbeTimeout    time.Duration
}

// DefaultConfig returns the timings used when none are configured
func DefaultConfig() Config {
	return Config{
		CallTimeout:     30 * time.Second,
		RequestDeadline: 90 * time.Second,
		ProbeTimeout:    5 * time.Second,
	}
}

// Deps are the engine's collaborators. Only Providers is required.
type Deps struct {
	Providers    *providers.Store
	Tracker      *health.Tracker
	Cache        *cache.Cache
	Sessions     *session.Manager
	Billing      billing.Service
	UsageQueue   Enqueuer // receives *models.UsageRecord
	BillingQueue Enqueuer // receives *billing.BillingUpdate
	Metrics      metrics.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg          Config
	providers    *providers.Store
	tracker      *health.Tracker
	cache        *cache.Cache
	sessions     *session.Manager
	billing      billing.Service
	usageQueue   Enqueuer
	billingQueue Enqueuer
	metrics      metrics.Metrics

	inflight  singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight

	logger *logging.Logger
	now    func() time.Time
}

// flight is the context of one shared network call. It outlives any single
// waiter's deadline and is cancelled once every waiter has given up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New wires an engine, filling optional collaborators with in-memory or no-op defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Providers == nil {
		return nil, fmt.Errorf("provider store is required")
	}

	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = def.RequestDeadline
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	if deps.Tracker == nil {
		deps.Tracker = health.NewTracker(health.DefaultConfig(), deps.Providers.List(), deps.Providers, nil)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.Config{})
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(0)
	}
	if deps.Billing == nil {
		deps.Billing = billing.NewNoopService()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}

	return &Engine{
		cfg:          cfg,
		providers:    deps.Providers,
		tracker:      deps.Tracker,
		cache:        deps.Cache,
		sessions:     deps.Sessions,
		billing:      deps.Billing,
		usageQueue:   deps.UsageQueue,
		billingQueue: deps.BillingQueue,
		metrics:      deps.Metrics,
		flights:      make(map[string]*flight),
		logger:       logging.New("orchestrator"),
		now:          time.Now,
	}, nil
}

// dispatch carries per-request state shared by every attempt.
type dispatch struct {
	requestID uuid.UUID
	req       models.LLMRequest
	history   []providers.Message
	keyTurns  []string
}

func (e *Engine) newDispatch(req models.LLMRequest) *dispatch {
	if req.SessionID == "" && req.CreateSession {
		req.SessionID = e.sessions.CreateSession()
	}
	d := &dispatch{requestID: uuid.New(), req: req}
	for _, t := range e.sessions.GetContext(req.SessionID) {
		d.history = append(d.history, providers.Message{Role: t.Role, Content: t.Content})
		d.keyTurns = append(d.keyTurns, t.Role+": "+t.Content)
	}
	return d
}

// candidate is a provider to try, or a provider already known to be skipped.
type candidate struct {
	config models.ProviderConfig
	skip   *AttemptError
}

// Complete serves one inbound request: a single response for explicit, auto
// and fallback_chain, one response per listed provider for ensemble.
func (e *Engine) Complete(ctx context.Context, req models.LLMRequest) ([]models.LLMResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Policy == models.PolicyEnsemble {
		return e.DispatchEnsemble(ctx, req, nil)
	}

	resp, err := e.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return []models.LLMResponse{*resp}, nil
}

// Dispatch runs a single-answer policy. Failures are returned as *AggregatedError;
// malformed requests wrap ErrInvalidRequest.
func (e *Engine) Dispatch(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Policy == models.PolicyEnsemble {
		return nil, fmt.Errorf("%w: policy %s returns several responses", ErrInvalidRequest, req.Policy)
	}

	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, req.Deadline(e.cfg.RequestDeadline))
	defer cancel()

	d := e.newDispatch(req)

	var (
		attempts []*AttemptError
		deadline bool
	)
	for _, c := range e.candidates(req) {
		if c.skip != nil {
			attempts = append(attempts, c.skip)
			continue
		}
		if ctx.Err() != nil {
			deadline = errors.Is(ctx.Err(), context.DeadlineExceeded)
			break
		}

		resp, aerr := e.attempt(ctx, d, c.config)
		if aerr == nil {
			e.finish(d, resp)
			e.metrics.ObserveRequest(string(req.Policy), models.OutcomeSuccess, e.now().Sub(start))
			return resp, nil
		}

		attempts = append(attempts, aerr)
		e.logger.Debug("Attempt failed", "request_id", d.requestID, "provider", aerr.ProviderID, "kind", aerr.Kind, "error", aerr.Err)
		if ctx.Err() != nil {
			deadline = errors.Is(ctx.Err(), context.DeadlineExceeded)
			break
		}
	}

	agg := aggregate(req.Policy, attempts, deadline)
	e.metrics.ObserveRequest(string(req.Policy), string(agg.Kind), e.now().Sub(start))
	e.logger.Info("Dispatch failed", "request_id", d.requestID, "policy", req.Policy, "kind", agg.Kind, "attempts", len(attempts))
	return nil, agg
}

// candidates lists providers for a single-answer policy in traversal order.
func (e *Engine) candidates(req models.LLMRequest) []candidate {
	switch req.Policy {
	case models.PolicyExplicit:
		return []candidate{e.lookup(req.ExplicitProvider)}
	case models.PolicyFallbackChain:
		out := make([]candidate, 0, len(req.ProviderChain))
		for _, id := range req.ProviderChain {
			out = append(out, e.lookup(id))
		}
		return out
	default:
		var out []candidate
		for _, cfg := range e.autoOrder() {
			if cfg.Enabled && e.tracker.IsEligible(cfg.ID) {
				out = append(out, candidate{config: cfg})
			}
		}
		return out
	}
}

func (e *Engine) lookup(id string) candidate {
	cfg, err := e.providers.Get(id)
	if err != nil {
		return candidate{skip: newAttemptError(id, models.ErrorKindProviderUnavailable, false, err)}
	}
	return candidate{config: cfg}
}

// autoOrder sorts every descriptor by priority, then cost, then id.
func (e *Engine) autoOrder() []models.ProviderConfig {
	list := e.providers.List()
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CostPerToken != b.CostPerToken {
			return a.CostPerToken < b.CostPerToken
		}
		return a.ID < b.ID
	})
	return list
}

// EstimateCost prices a call before it is made: ceil(len(prompt)/4) prompt
// tokens plus the full completion allowance.
func EstimateCost(cfg models.ProviderConfig, prompt string, maxTokens int) float64 {
	promptTokens := (len(prompt) + 3) / 4
	return float64(promptTokens+maxTokens) * cfg.CostPerToken
}

func (e *Engine) buildRequest(cfg models.ProviderConfig, d *dispatch) providers.CompletionRequest {
	maxTokens := d.req.MaxTokens
	if maxTokens == 0 {
		maxTokens = cfg.DefaultMaxTokens
	}
	temperature := cfg.DefaultTemperature
	if d.req.Temperature != nil {
		temperature = *d.req.Temperature
	}

	return providers.CompletionRequest{
		Model:        cfg.Model,
		SystemPrompt: d.req.SystemPrompt,
		History:      d.history,
		Prompt:       d.req.Prompt,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}
}

// attempt runs the per-candidate pipeline: eligibility, cache, budgets, token
// bucket, then the (deduplicated) network call.
func (e *Engine) attempt(ctx context.Context, d *dispatch, cfg models.ProviderConfig) (*models.LLMResponse, *AttemptError) {
	id := cfg.ID
	if !cfg.Enabled || !e.tracker.IsEligible(id) {
		return nil, newAttemptError(id, models.ErrorKindProviderUnavailable, false, fmt.Errorf("provider is not eligible"))
	}

	creq := e.buildRequest(cfg, d)
	key := cache.Key(cache.KeyInput{
		ProviderID:   id,
		Model:        cfg.Model,
		SystemPrompt: creq.SystemPrompt,
		History:      d.keyTurns,
		Prompt:       creq.Prompt,
		Temperature:  creq.Temperature,
		MaxTokens:    creq.MaxTokens,
	})

	if resp, ok := e.cache.Lookup(key); ok {
		return e.softSuccess(ctx, d, resp), nil
	}

	if !e.billing.WithinBudget(ctx, id, cfg.MonthlyBudget) {
		return nil, newAttemptError(id, models.ErrorKindBudgetExceeded, false,
			fmt.Errorf("monthly budget of %.2f USD reached", cfg.MonthlyBudget))
	}
	if limit := d.req.CostLimit; limit != nil {
		if estimate := EstimateCost(cfg, creq.Prompt, creq.MaxTokens); estimate > *limit {
			return nil, newAttemptError(id, models.ErrorKindBudgetExceeded, false,
				fmt.Errorf("estimated cost %.6f exceeds limit %.6f", estimate, *limit))
		}
	}

	f := e.joinFlight(ctx, key)
	defer e.leaveFlight(key, f)

	// Only the request that makes the network call spends a token.
	led := false
	ch := e.inflight.DoChan(key, func() (interface{}, error) {
		led = true
		if !e.tracker.TryAcquire(f.ctx, id) {
			return nil, newAttemptError(id, models.ErrorKindProviderUnavailable, false, fmt.Errorf("client-side rate limit reached"))
		}
		resp, aerr := e.call(f.ctx, d, cfg, creq, key)
		if aerr != nil {
			return nil, aerr
		}
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var aerr *AttemptError
			if errors.As(res.Err, &aerr) {
				copied := *aerr
				return nil, &copied
			}
			return nil, newAttemptError(id, models.ErrorKindProviderError, true, res.Err)
		}
		resp := *res.Val.(*models.LLMResponse)
		if !led {
			return e.softSuccess(ctx, d, resp), nil
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, newAttemptError(id, models.ErrorKindProviderTimeout, true, ctx.Err())
	}
}

// joinFlight registers a waiter on the shared call for key.
func (e *Engine) joinFlight(ctx context.Context, key string) *flight {
	e.flightsMu.Lock()
	defer e.flightsMu.Unlock()

	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

// leaveFlight drops a waiter. The last one out cancels the call and makes
// later requests start a fresh one.
func (e *Engine) leaveFlight(key string, f *flight) {
	e.flightsMu.Lock()
	defer e.flightsMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
	}
	e.inflight.Forget(key)
}

// call performs the network call and all accounting for it. ctx is the
// flight context; it ends early only when every waiter has given up.
func (e *Engine) call(ctx context.Context, d *dispatch, cfg models.ProviderConfig, creq providers.CompletionRequest, key string) (*models.LLMResponse, *AttemptError) {
	id := cfg.ID
	adapter, err := e.providers.Adapter(id)
	if err != nil {
		return nil, newAttemptError(id, models.ErrorKindProviderUnavailable, false, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout(e.cfg.CallTimeout))
	defer cancel()

	start := e.now()
	result, err := adapter.Complete(callCtx, creq)
	elapsed := e.now().Sub(start)

	if err != nil {
		kind := classify(err, callCtx)
		// Abandonment by every waiter is not the provider's fault.
		if ctx.Err() == nil || kind == models.ErrorKindRateLimited {
			e.tracker.RecordFailure(id, kind, err, providers.RetryAfter(err))
		}
		e.metrics.ObserveAttempt(id, string(kind), elapsed)
		e.recordUsage(ctx, d, &models.UsageRecord{
			ProviderID:     id,
			Model:          cfg.Model,
			Outcome:        string(kind),
			ResponseTimeMS: elapsed.Milliseconds(),
			ErrorMessage:   err.Error(),
		})
		e.publishAvailability(id)
		return nil, newAttemptError(id, kind, true, err)
	}

	cost := cfg.CalculateCost(result.TokensUsed)
	e.tracker.RecordSuccess(id, result.TokensUsed, cost, elapsed)

	resp := &models.LLMResponse{
		ProviderUsed:   id,
		Model:          cfg.Model,
		Content:        result.Content,
		TokensUsed:     result.TokensUsed,
		Cost:           cost,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	e.cache.Store(key, *resp, e.cfg.CacheTTL)

	e.metrics.ObserveAttempt(id, models.OutcomeSuccess, elapsed)
	e.metrics.ObserveUsage(id, result.TokensUsed, cost)
	e.recordUsage(ctx, d, &models.UsageRecord{
		ProviderID:     id,
		Model:          cfg.Model,
		Outcome:        models.OutcomeSuccess,
		TokensUsed:     result.TokensUsed,
		CostUSD:        cost,
		ResponseTimeMS: elapsed.Milliseconds(),
	})
	e.recordBilling(ctx, id, cost)
	e.publishAvailability(id)

	return resp, nil
}

// softSuccess accounts a response served without a network call of its own.
func (e *Engine) softSuccess(ctx context.Context, d *dispatch, resp models.LLMResponse) *models.LLMResponse {
	resp.Cached = true
	e.tracker.RecordCacheHit(resp.ProviderUsed)
	e.metrics.ObserveCacheHit(resp.ProviderUsed)
	e.recordUsage(ctx, d, &models.UsageRecord{
		ProviderID: resp.ProviderUsed,
		Model:      resp.Model,
		Outcome:    models.OutcomeCached,
	})
	return &resp
}

func classify(err error, callCtx context.Context) models.ErrorKind {
	switch {
	case providers.IsRateLimited(err):
		return models.ErrorKindRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), callCtx.Err() != nil:
		return models.ErrorKindProviderTimeout
	default:
		return models.ErrorKindProviderError
	}
}

// finish appends the exchange to the session and stamps the session id.
func (e *Engine) finish(d *dispatch, resp *models.LLMResponse) {
	resp.SessionID = d.req.SessionID
	if resp.Cached || d.req.SessionID == "" {
		return
	}
	e.sessions.AppendTurns(d.req.SessionID,
		session.Turn{Role: session.RoleUser, Content: d.req.Prompt},
		session.Turn{Role: session.RoleAssistant, Content: resp.Content},
	)
}

// recordUsage hands a usage record to the usage queue. Enqueue failures are
// logged and never fail the request.
func (e *Engine) recordUsage(ctx context.Context, d *dispatch, record *models.UsageRecord) {
	if e.usageQueue == nil {
		return
	}
	record.ID = uuid.New()
	record.RequestID = d.requestID
	record.SessionID = d.req.SessionID
	record.Policy = string(d.req.Policy)
	record.CreatedAt = e.now()

	if err := e.usageQueue.Enqueue(context.WithoutCancel(ctx), record); err != nil {
		e.logger.Warn("Failed to enqueue usage record", "request_id", d.requestID, "provider", record.ProviderID, "error", err)
	}
}

func (e *Engine) recordBilling(ctx context.Context, providerID string, cost float64) {
	if e.billingQueue == nil || cost <= 0 {
		return
	}
	update := &billing.BillingUpdate{ProviderID: providerID, CostUSD: cost, Timestamp: e.now()}
	if err := e.billingQueue.Enqueue(context.WithoutCancel(ctx), update); err != nil {
		e.logger.Warn("Failed to enqueue billing update", "provider", providerID, "error", err)
	}
}

func (e *Engine) publishAvailability(id string) {
	if status, ok := e.tracker.Status(id); ok {
		e.metrics.SetProviderAvailable(id, status.Available)
	}
}

// ListProviders returns every descriptor in load order.
func (e *Engine) ListProviders() []models.ProviderConfig {
	return e.providers.List()
}

// ListProviderStatuses returns a copy of every provider's status.
func (e *Engine) ListProviderStatuses() []models.ProviderStatus {
	return e.tracker.Statuses()
}

// ProviderStatus returns one provider's status.
func (e *Engine) ProviderStatus(id string) (models.ProviderStatus, error) {
	status, ok := e.tracker.Status(id)
	if !ok {
		return models.ProviderStatus{}, fmt.Errorf("%w: %s", providers.ErrProviderNotFound, id)
	}
	return status, nil
}

// SetProviderEnabled toggles a provider at runtime. In-flight calls are unaffected.
func (e *Engine) SetProviderEnabled(id string, enabled bool) error {
	if err := e.providers.SetEnabled(id, enabled); err != nil {
		return err
	}
	e.logger.Info("Provider toggled", "provider", id, "enabled", enabled)
	e.publishAvailability(id)
	return nil
}

// Probe checks one provider's reachability. It is a health.ProbeFunc.
func (e *Engine) Probe(ctx context.Context, id string) error {
	adapter, err := e.providers.Adapter(id)
	if err != nil {
		return err
	}
	return adapter.Probe(ctx)
}

// ProbeProvider probes id now and updates its health. It reports whether
// the probe succeeded; the error is non-nil only for unknown providers.
func (e *Engine) ProbeProvider(ctx context.Context, id string) (bool, error) {
	if _, err := e.providers.Get(id); err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	if err := e.Probe(probeCtx, id); err != nil {
		e.tracker.RecordProbeFailure(id, err)
		e.publishAvailability(id)
		return false, nil
	}
	if err := e.tracker.MarkAvailable(id); err != nil {
		return false, err
	}
	e.publishAvailability(id)
	return true, nil
}

// StartProbing periodically probes Unavailable providers until ctx is done.
func (e *Engine) StartProbing(ctx context.Context, interval time.Duration) {
	e.tracker.StartProbing(ctx, interval, e.cfg.ProbeTimeout, e.Probe)
}
