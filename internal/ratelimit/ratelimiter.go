package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"llm_orchestrator/internal/logging"
)

// Limiter enforces a per-key token bucket refilled at perSecond tokens per
// second. perSecond <= 0 means unlimited. Allow never blocks.
type Limiter interface {
	Allow(ctx context.Context, key string, perSecond float64) bool
}

// NoopLimiter allows all requests.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, key string, perSecond float64) bool {
	return true
}

// burstFor sizes the bucket so a provider can absorb one second of traffic.
func burstFor(perSecond float64) int {
	return int(math.Max(1, math.Ceil(perSecond)))
}

// LocalLimiter keeps one in-process token bucket per key.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow takes one token from key's bucket if one is available
func (l *LocalLimiter) Allow(ctx context.Context, key string, perSecond float64) bool {
	if perSecond <= 0 {
		return true
	}
	return l.limiterFor(key, perSecond).Allow()
}

func (l *LocalLimiter) limiterFor(key string, perSecond float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perSecond), burstFor(perSecond))
		l.limiters[key] = lim
		return lim
	}
	if lim.Limit() != rate.Limit(perSecond) {
		lim.SetLimit(rate.Limit(perSecond))
		lim.SetBurst(burstFor(perSecond))
	}
	return lim
}

// Reset drops the bucket for key
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

var tokenBucketScript = redis.NewScript(`
	local tokens_key = KEYS[1]
	local last_refill_key = KEYS[2]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local tokens = tonumber(redis.call('GET', tokens_key)) or burst
	local last_refill = tonumber(redis.call('GET', last_refill_key)) or now

	local elapsed = math.max(0, now - last_refill)
	tokens = math.min(burst, tokens + (elapsed / 1000) * rate)

	local allowed = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	end

	redis.call('SET', tokens_key, tokens, 'EX', ttl)
	redis.call('SET', last_refill_key, now, 'EX', ttl)
	return allowed
`)

// RedisLimiter shares provider token buckets across orchestrator replicas.
// Redis errors fail open: the provider's own 429 handling still applies.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *logging.Logger
}

// NewRedisLimiter creates a Redis-backed token bucket limiter
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "tokenbucket",
		now:    time.Now,
		logger: logging.New("ratelimit"),
	}
}

// Allow takes one token from key's bucket if one is available
func (l *RedisLimiter) Allow(ctx context.Context, key string, perSecond float64) bool {
	if perSecond <= 0 {
		return true
	}

	allowed, err := l.take(ctx, key, perSecond)
	if err != nil {
		l.logger.Warn("Token bucket check failed, allowing request", "key", key, "error", err)
		return true
	}
	return allowed
}

func (l *RedisLimiter) take(ctx context.Context, key string, perSecond float64) (bool, error) {
	base := fmt.Sprintf("%s:%s", l.prefix, key)
	burst := burstFor(perSecond)
	// Keep state long enough to refill a full bucket.
	ttl := int(math.Ceil(float64(burst)/perSecond)) + 60

	result, err := tokenBucketScript.Run(
		ctx,
		l.client,
		[]string{base + ":tokens", base + ":last"},
		perSecond,
		burst,
		l.now().UnixMilli(),
		1,
		ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("token bucket check failed: %w", err)
	}

	return result == 1, nil
}

// Reset clears the bucket for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	base := fmt.Sprintf("%s:%s", l.prefix, key)
	return l.client.Del(ctx, base+":tokens", base+":last").Err()
}
