package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_orchestrator/internal/logging"
)

// Service tracks provider spend per calendar month and enforces budgets.
type Service interface {
	// WithinBudget reports whether providerID has spent less than budgetUSD
	// this month. A budget <= 0 is unlimited.
	WithinBudget(ctx context.Context, providerID string, budgetUSD float64) bool
	AddUsage(ctx context.Context, providerID string, costUSD float64) error
	GetMonthlySpending(ctx context.Context, providerID string) (float64, error)
}

// NoopService does not enforce budgets and discards usage.
type NoopService struct{}

func NewNoopService() *NoopService {
	return &NoopService{}
}

func (s *NoopService) WithinBudget(ctx context.Context, providerID string, budgetUSD float64) bool {
	return true
}

func (s *NoopService) AddUsage(ctx context.Context, providerID string, costUSD float64) error {
	return nil
}

func (s *NoopService) GetMonthlySpending(ctx context.Context, providerID string) (float64, error) {
	return 0, nil
}

// monthlyKey generates the ledger key for a provider's spend in a month
func monthlyKey(providerID string, year int, month int) string {
	return fmt.Sprintf("cost:%s:%d:%02d", providerID, year, month)
}

// MemoryService keeps the ledger in process memory
type MemoryService struct {
	mu     sync.RWMutex
	totals map[string]float64
	now    func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		totals: make(map[string]float64),
		now:    time.Now,
	}
}

func (s *MemoryService) WithinBudget(ctx context.Context, providerID string, budgetUSD float64) bool {
	if budgetUSD <= 0 {
		return true
	}
	spent, _ := s.GetMonthlySpending(ctx, providerID)
	return spent < budgetUSD
}

func (s *MemoryService) AddUsage(ctx context.Context, providerID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	now := s.now()
	key := monthlyKey(providerID, now.Year(), int(now.Month()))

	s.mu.Lock()
	s.totals[key] += costUSD
	s.mu.Unlock()
	return nil
}

func (s *MemoryService) GetMonthlySpending(ctx context.Context, providerID string) (float64, error) {
	now := s.now()
	return s.GetSpending(ctx, providerID, now.Year(), int(now.Month()))
}

// GetSpending returns spending for a specific month
func (s *MemoryService) GetSpending(ctx context.Context, providerID string, year int, month int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals[monthlyKey(providerID, year, month)], nil
}

// addUsageScript increments the monthly total and refreshes its expiry
var addUsageScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key)) or 0
	local new_total = current + cost

	redis.call('SET', key, new_total, 'EX', ttl)
	return tostring(new_total)
`)

// ledgerTTL keeps two months of history
const ledgerTTL = 60 * 24 * time.Hour

// RedisBillingService keeps the ledger in Redis so every replica shares it
type RedisBillingService struct {
	redis  *redis.Client
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisBillingService creates a new billing service
func NewRedisBillingService(client *redis.Client) *RedisBillingService {
	return &RedisBillingService{
		redis:  client,
		logger: logging.New("billing"),
		now:    time.Now,
	}
}

// WithinBudget checks the provider's spend for the current month. Redis
// errors allow the call.
func (s *RedisBillingService) WithinBudget(ctx context.Context, providerID string, budgetUSD float64) bool {
	if budgetUSD <= 0 {
		return true
	}

	spent, err := s.GetMonthlySpending(ctx, providerID)
	if err != nil {
		s.logger.Warn("Budget check failed, allowing call", "provider", providerID, "error", err)
		return true
	}

	return spent < budgetUSD
}

// AddUsage adds cost to the running total in Redis
func (s *RedisBillingService) AddUsage(ctx context.Context, providerID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	now := s.now()
	key := monthlyKey(providerID, now.Year(), int(now.Month()))

	if err := addUsageScript.Run(ctx, s.redis, []string{key}, costUSD, int(ledgerTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// GetMonthlySpending returns the current month's spending for a provider
func (s *RedisBillingService) GetMonthlySpending(ctx context.Context, providerID string) (float64, error) {
	now := s.now()
	return s.GetSpending(ctx, providerID, now.Year(), int(now.Month()))
}

// GetSpending returns spending for a specific month
func (s *RedisBillingService) GetSpending(ctx context.Context, providerID string, year int, month int) (float64, error) {
	val, err := s.redis.Get(ctx, monthlyKey(providerID, year, month)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get spending: %w", err)
	}
	return val, nil
}

// ResetMonthlySpending clears the current month's total
func (s *RedisBillingService) ResetMonthlySpending(ctx context.Context, providerID string) error {
	now := s.now()
	return s.redis.Del(ctx, monthlyKey(providerID, now.Year(), int(now.Month()))).Err()
}
