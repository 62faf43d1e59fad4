// Package health owns the runtime status of every provider: availability,
// rate-limit cooldowns, client-side token buckets and cumulative accounting.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llm_orchestrator/internal/logging"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/ratelimit"
)

// Config controls state transitions
type Config struct {
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		CooldownBase:     5 * time.Second,
		CooldownMax:      5 * time.Minute,
	}
}

// EnabledSource reports the operator-controlled enabled flag.
type EnabledSource interface {
	IsEnabled(id string) bool
}

type entry struct {
	mu           sync.Mutex
	status       models.ProviderStatus
	rateLimit    float64
	successCount int64
	strikes      int // consecutive rate-limit signals
}

// Tracker is safe for concurrent use. The entry map is fixed at
// construction; each entry has its own lock.
type Tracker struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	cfg     Config
	enabled EnabledSource
	limiter ratelimit.Limiter
	now     func() time.Time
	logger  *logging.Logger
}

// NewTracker creates one Unknown status per provider descriptor.
func NewTracker(cfg Config, providers []models.ProviderConfig, enabled EnabledSource, limiter ratelimit.Limiter) *Tracker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = def.CooldownBase
	}
	if cfg.CooldownMax < cfg.CooldownBase {
		cfg.CooldownMax = cfg.CooldownBase
	}
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}

	t := &Tracker{
		entries: make(map[string]*entry, len(providers)),
		cfg:     cfg,
		enabled: enabled,
		limiter: limiter,
		now:     time.Now,
		logger:  logging.New("health"),
	}

	for _, p := range providers {
		t.order = append(t.order, p.ID)
		t.entries[p.ID] = &entry{
			rateLimit: float64(p.RateLimitPerSecond),
			status: models.ProviderStatus{
				ProviderID: p.ID,
				State:      models.HealthUnknown,
			},
		}
	}

	return t
}

func (t *Tracker) get(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *Tracker) isEnabled(id string) bool {
	if t.enabled == nil {
		return true
	}
	return t.enabled.IsEnabled(id)
}

// refresh flips an expired rate-limit cooldown back to Available. Caller holds e.mu.
func (e *entry) refresh(now time.Time) {
	if e.status.State == models.HealthRateLimited && !now.Before(e.status.CooldownUntil) {
		e.status.State = models.HealthAvailable
		e.status.CooldownUntil = time.Time{}
	}
}

// eligible implements: enabled, not unavailable and outside any cooldown. Caller holds e.mu.
func (e *entry) eligible(now time.Time) bool {
	e.refresh(now)
	switch e.status.State {
	case models.HealthUnknown, models.HealthAvailable:
		return true
	}
	return false
}

// IsEligible reports whether id may be selected right now. Unknown providers
// are eligible.
func (t *Tracker) IsEligible(id string) bool {
	e, ok := t.get(id)
	if !ok || !t.isEnabled(id) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eligible(t.now())
}

// TryAcquire takes one token from the provider's client-side bucket. It never blocks.
func (t *Tracker) TryAcquire(ctx context.Context, id string) bool {
	e, ok := t.get(id)
	if !ok {
		return false
	}
	return t.limiter.Allow(ctx, id, e.rateLimit)
}

// RecordSuccess accounts a completed network call.
func (t *Tracker) RecordSuccess(id string, tokens int, cost float64, elapsed time.Duration) {
	e, ok := t.get(id)
	if !ok {
		return
	}
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.status
	s.RequestCount++
	e.successCount++
	s.CumulativeTokens += int64(tokens)
	if cost > 0 {
		s.CumulativeCost += cost
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	s.AvgResponseTimeMs += (ms - s.AvgResponseTimeMs) / float64(e.successCount)
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastUpdated = now

	// A call that started before a rate-limit signal must not cut the cooldown short.
	e.refresh(now)
	if s.State != models.HealthRateLimited {
		s.State = models.HealthAvailable
		e.strikes = 0
	}
}

// RecordCacheHit counts a soft success without touching cost or latency.
func (t *Tracker) RecordCacheHit(id string) {
	e, ok := t.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.CacheHitCount++
	e.status.LastUpdated = t.now()
}

// RecordFailure accounts a failed network call. Rate-limit failures start or
// extend an exponential cooldown; retryAfter, when larger, is honoured up to
// the configured maximum. Other failures mark the provider Unavailable once
// FailureThreshold consecutive failures are reached.
func (t *Tracker) RecordFailure(id string, kind models.ErrorKind, err error, retryAfter time.Duration) {
	e, ok := t.get(id)
	if !ok {
		return
	}
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.status
	s.RequestCount++
	s.FailureCount++
	s.LastUpdated = now
	if err != nil {
		s.LastError = err.Error()
	}

	if kind == models.ErrorKindRateLimited {
		e.strikes++
		cooldown := t.cooldownFor(e.strikes)
		if retryAfter > cooldown {
			cooldown = retryAfter
		}
		if cooldown > t.cfg.CooldownMax {
			cooldown = t.cfg.CooldownMax
		}
		until := now.Add(cooldown)
		if until.After(s.CooldownUntil) {
			s.CooldownUntil = until
		}
		if s.State != models.HealthUnavailable {
			s.State = models.HealthRateLimited
		}
		t.logger.Warn("Provider rate limited", "provider", id, "cooldown", cooldown, "strikes", e.strikes)
		return
	}

	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= t.cfg.FailureThreshold && s.State != models.HealthUnavailable {
		s.State = models.HealthUnavailable
		t.logger.Warn("Provider marked unavailable", "provider", id, "failures", s.ConsecutiveFailures, "error", s.LastError)
	}
}

func (t *Tracker) cooldownFor(strikes int) time.Duration {
	cooldown := t.cfg.CooldownBase
	for i := 1; i < strikes; i++ {
		cooldown *= 2
		if cooldown >= t.cfg.CooldownMax {
			return t.cfg.CooldownMax
		}
	}
	return cooldown
}

// MarkAvailable clears failure state, as after a successful probe or an operator override.
func (t *Tracker) MarkAvailable(id string) error {
	e, ok := t.get(id)
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.State = models.HealthAvailable
	e.status.CooldownUntil = time.Time{}
	e.status.ConsecutiveFailures = 0
	e.status.LastError = ""
	e.status.LastUpdated = t.now()
	e.strikes = 0
	return nil
}

// RecordProbeFailure keeps the provider's state and remembers the probe error.
func (t *Tracker) RecordProbeFailure(id string, err error) {
	e, ok := t.get(id)
	if !ok || err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.LastError = err.Error()
	e.status.LastUpdated = t.now()
}

// Status returns a copy of one provider's status.
func (t *Tracker) Status(id string) (models.ProviderStatus, bool) {
	e, ok := t.get(id)
	if !ok {
		return models.ProviderStatus{}, false
	}
	return t.snapshot(id, e), true
}

// Statuses returns copies of every status in provider load order.
func (t *Tracker) Statuses() []models.ProviderStatus {
	t.mu.RLock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	t.mu.RUnlock()

	out := make([]models.ProviderStatus, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.get(id); ok {
			out = append(out, t.snapshot(id, e))
		}
	}
	return out
}

func (t *Tracker) snapshot(id string, e *entry) models.ProviderStatus {
	enabled := t.isEnabled(id)
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.refresh(now)
	s := e.status
	s.Enabled = enabled
	s.Available = enabled && e.eligible(now)
	return s
}

// unavailable lists providers currently in the Unavailable state.
func (t *Tracker) unavailable() []string {
	var ids []string
	for _, s := range t.Statuses() {
		if s.State == models.HealthUnavailable {
			ids = append(ids, s.ProviderID)
		}
	}
	return ids
}
