package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/ratelimit"
)

type enabledSet struct {
	mu       sync.Mutex
	disabled map[string]bool
}

func (e *enabledSet) IsEnabled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled[id]
}

func (e *enabledSet) set(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled[id] = !enabled
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, providers ...models.ProviderConfig) (*Tracker, *fakeClock, *enabledSet) {
	t.Helper()
	if len(providers) == 0 {
		providers = []models.ProviderConfig{
			{ID: "local", Kind: models.ProviderKindLocal},
			{ID: "openai", Kind: models.ProviderKindRemote, RateLimitPerSecond: 2},
		}
	}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	enabled := &enabledSet{disabled: map[string]bool{}}
	tracker := NewTracker(Config{
		FailureThreshold: 3,
		CooldownBase:     1 * time.Second,
		CooldownMax:      8 * time.Second,
	}, providers, enabled, ratelimit.NewLocalLimiter())
	tracker.now = clock.Now
	return tracker, clock, enabled
}

func TestTracker_UnknownIsEligible(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	status, ok := tracker.Status("local")
	require.True(t, ok)
	assert.Equal(t, models.HealthUnknown, status.State)
	assert.True(t, status.Available)
	assert.True(t, tracker.IsEligible("local"))
	assert.False(t, tracker.IsEligible("missing"))
}

func TestTracker_DisabledIsIneligible(t *testing.T) {
	tracker, _, enabled := newTestTracker(t)

	enabled.set("local", false)
	assert.False(t, tracker.IsEligible("local"))

	status, _ := tracker.Status("local")
	assert.False(t, status.Enabled)
	assert.False(t, status.Available)

	enabled.set("local", true)
	assert.True(t, tracker.IsEligible("local"))
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	tracker.RecordSuccess("openai", 100, 0.002, 200*time.Millisecond)
	tracker.RecordSuccess("openai", 50, 0.001, 400*time.Millisecond)

	status, _ := tracker.Status("openai")
	assert.Equal(t, models.HealthAvailable, status.State)
	assert.Equal(t, int64(2), status.RequestCount)
	assert.Equal(t, int64(150), status.CumulativeTokens)
	assert.InDelta(t, 0.003, status.CumulativeCost, 1e-12)
	assert.InDelta(t, 300, status.AvgResponseTimeMs, 1e-9)
}

func TestTracker_CooldownTransition(t *testing.T) {
	tracker, clock, _ := newTestTracker(t)
	rateErr := errors.New("429")

	tracker.RecordFailure("openai", models.ErrorKindRateLimited, rateErr, 0)

	status, _ := tracker.Status("openai")
	assert.Equal(t, models.HealthRateLimited, status.State)
	assert.Equal(t, clock.Now().Add(1*time.Second), status.CooldownUntil)
	assert.False(t, tracker.IsEligible("openai"))
	assert.Equal(t, 0, status.ConsecutiveFailures, "rate limits do not count toward unavailability")

	clock.Advance(999 * time.Millisecond)
	assert.False(t, tracker.IsEligible("openai"))

	clock.Advance(1 * time.Millisecond)
	assert.True(t, tracker.IsEligible("openai"))
	status, _ = tracker.Status("openai")
	assert.Equal(t, models.HealthAvailable, status.State)
	assert.True(t, status.CooldownUntil.IsZero())
}

func TestTracker_CooldownBackoff(t *testing.T) {
	tracker, clock, _ := newTestTracker(t)

	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range expected {
		start := clock.Now()
		tracker.RecordFailure("openai", models.ErrorKindRateLimited, nil, 0)
		status, _ := tracker.Status("openai")
		assert.Equal(t, start.Add(want), status.CooldownUntil, "strike %d", i+1)
		clock.Advance(want)
	}

	tracker.RecordSuccess("openai", 1, 0, time.Millisecond)
	start := clock.Now()
	tracker.RecordFailure("openai", models.ErrorKindRateLimited, nil, 0)
	status, _ := tracker.Status("openai")
	assert.Equal(t, start.Add(1*time.Second), status.CooldownUntil, "success resets backoff")
}

func TestTracker_RetryAfterHonouredAndCapped(t *testing.T) {
	tracker, clock, _ := newTestTracker(t)

	start := clock.Now()
	tracker.RecordFailure("openai", models.ErrorKindRateLimited, nil, 5*time.Second)
	status, _ := tracker.Status("openai")
	assert.Equal(t, start.Add(5*time.Second), status.CooldownUntil)

	tracker.RecordFailure("local", models.ErrorKindRateLimited, nil, time.Hour)
	status, _ = tracker.Status("local")
	assert.Equal(t, start.Add(8*time.Second), status.CooldownUntil)
}

func TestTracker_SuccessDuringCooldownKeepsCooldown(t *testing.T) {
	tracker, clock, _ := newTestTracker(t)

	tracker.RecordFailure("openai", models.ErrorKindRateLimited, nil, 0)
	tracker.RecordSuccess("openai", 10, 0, time.Millisecond)

	assert.False(t, tracker.IsEligible("openai"))
	clock.Advance(time.Second)
	assert.True(t, tracker.IsEligible("openai"))
}

func TestTracker_UnavailableAfterThreshold(t *testing.T) {
	tracker, clock, _ := newTestTracker(t)
	boom := errors.New("connection refused")

	tracker.RecordFailure("local", models.ErrorKindProviderError, boom, 0)
	tracker.RecordFailure("local", models.ErrorKindProviderTimeout, boom, 0)
	assert.True(t, tracker.IsEligible("local"))

	tracker.RecordFailure("local", models.ErrorKindProviderError, boom, 0)
	assert.False(t, tracker.IsEligible("local"))

	status, _ := tracker.Status("local")
	assert.Equal(t, models.HealthUnavailable, status.State)
	assert.Equal(t, "connection refused", status.LastError)
	assert.Equal(t, int64(3), status.FailureCount)

	clock.Advance(time.Hour)
	assert.False(t, tracker.IsEligible("local"), "unavailable does not recover with time")

	require.NoError(t, tracker.MarkAvailable("local"))
	assert.True(t, tracker.IsEligible("local"))
	assert.Error(t, tracker.MarkAvailable("missing"))
}

func TestTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	tracker.RecordFailure("local", models.ErrorKindProviderError, nil, 0)
	tracker.RecordFailure("local", models.ErrorKindProviderError, nil, 0)
	tracker.RecordSuccess("local", 1, 0, time.Millisecond)
	tracker.RecordFailure("local", models.ErrorKindProviderError, nil, 0)
	tracker.RecordFailure("local", models.ErrorKindProviderError, nil, 0)

	assert.True(t, tracker.IsEligible("local"))
}

func TestTracker_CacheHit(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	tracker.RecordCacheHit("openai")
	tracker.RecordCacheHit("openai")

	status, _ := tracker.Status("openai")
	assert.Equal(t, int64(2), status.CacheHitCount)
	assert.Equal(t, int64(0), status.RequestCount)
	assert.Equal(t, 0.0, status.CumulativeCost)
}

func TestTracker_TryAcquire(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	assert.True(t, tracker.TryAcquire(ctx, "openai"))
	assert.True(t, tracker.TryAcquire(ctx, "openai"))
	assert.False(t, tracker.TryAcquire(ctx, "openai"))

	for i := 0; i < 10; i++ {
		assert.True(t, tracker.TryAcquire(ctx, "local"), "local has no rate limit")
	}
	assert.False(t, tracker.TryAcquire(ctx, "missing"))
}

func TestTracker_StatusesOrder(t *testing.T) {
	tracker, _, _ := newTestTracker(t,
		models.ProviderConfig{ID: "c", Kind: models.ProviderKindRemote},
		models.ProviderConfig{ID: "a", Kind: models.ProviderKindLocal},
		models.ProviderConfig{ID: "b", Kind: models.ProviderKindRemote},
	)

	statuses := tracker.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "c", statuses[0].ProviderID)
	assert.Equal(t, "a", statuses[1].ProviderID)
	assert.Equal(t, "b", statuses[2].ProviderID)
}

func TestTracker_CumulativeCostMonotonic(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tracker.RecordSuccess("openai", 10, 0.01, time.Millisecond)
			} else {
				tracker.RecordFailure("openai", models.ErrorKindProviderError, nil, 0)
				tracker.RecordSuccess("openai", 0, -1, time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	status, _ := tracker.Status("openai")
	assert.InDelta(t, 0.25, status.CumulativeCost, 1e-9)
	assert.Equal(t, int64(75), status.RequestCount)
}
