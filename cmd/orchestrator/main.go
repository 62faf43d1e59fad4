package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm_orchestrator/internal/billing"
	"llm_orchestrator/internal/cache"
	"llm_orchestrator/internal/config"
	"llm_orchestrator/internal/health"
	"llm_orchestrator/internal/httpapi"
	"llm_orchestrator/internal/logging"
	"llm_orchestrator/internal/metrics"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/orchestrator"
	"llm_orchestrator/internal/providers"
	"llm_orchestrator/internal/queue"
	"llm_orchestrator/internal/ratelimit"
	"llm_orchestrator/internal/session"
	"llm_orchestrator/internal/storage"
)

var logger = logging.New("main")

// app holds everything that needs an orderly shutdown
type app struct {
	server        *http.Server
	store         *providers.Store
	redis         *storage.RedisClient
	db            *storage.DB
	usageWorker   *queue.Worker
	billingWorker *queue.Worker
	cancel        context.CancelFunc
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}

	a, err := build(cfg)
	if err != nil {
		logging.Fatalf("Failed to start: %v", err)
	}

	// Start server in goroutine
	go func() {
		logger.Info("LLM orchestrator listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	a.shutdown()
	logger.Info("Server exited")
}

func loadProviders(cfg *config.Config) ([]models.ProviderConfig, error) {
	if cfg.ProvidersFile == "" {
		logger.Warn("PROVIDERS_FILE not set, using the built-in local provider")
		return config.DefaultProviders(), nil
	}
	return config.LoadProviders(cfg.ProvidersFile)
}

func build(cfg *config.Config) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			a.shutdown()
		}
	}()

	descriptors, err := loadProviders(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = providers.NewStore(descriptors, providers.NewFactory())
	if err != nil {
		return nil, err
	}

	checks := make(map[string]httpapi.HealthCheck)

	// Optional Redis: shared queues, limiter and spend ledger across replicas
	if cfg.Redis.Enabled() {
		a.redis, err = storage.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		checks["redis"] = a.redis.Health
	}

	// Optional Postgres for usage records
	var usageWriter storage.UsageWriter = storage.NewLogUsageWriter()
	var usageReader httpapi.UsageReader
	a.db, err = storage.NewDB(cfg.Database)
	switch {
	case errors.Is(err, storage.ErrDatabaseDisabled):
		logger.Info("DATABASE_URL not set, usage records are logged only")
	case err != nil:
		return nil, err
	default:
		if err := a.db.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		repo := a.db.NewUsageRepository()
		usageWriter, usageReader = repo, repo
		checks["database"] = a.db.Health
	}

	limiter := buildLimiter(cfg, a.redis)

	var ledger billing.Service = billing.NewMemoryService()
	if a.redis != nil {
		ledger = billing.NewRedisBillingService(a.redis.Client())
	}

	usageQueue, usageDLQ, err := buildQueue(cfg, a.redis, "usage")
	if err != nil {
		return nil, err
	}
	billingQueue, billingDLQ, err := buildQueue(cfg, a.redis, "billing")
	if err != nil {
		return nil, err
	}

	a.usageWorker = queue.NewWorker(usageQueue, usageDLQ, storage.NewUsageHandler(usageWriter), queueConfig(cfg, "usage"))
	a.billingWorker = queue.NewWorker(billingQueue, billingDLQ, billing.NewQueueHandler(ledger), queueConfig(cfg, "billing"))
	a.usageWorker.Start(ctx)
	a.billingWorker.Start(ctx)

	promMetrics := metrics.NewPrometheusMetrics("llm_orchestrator")

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		CooldownBase:     cfg.Health.CooldownBase,
		CooldownMax:      cfg.Health.CooldownMax,
	}, a.store.List(), a.store, limiter)

	responseCache := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		DefaultTTL: cfg.Cache.TTL,
		Shards:     cfg.Cache.Shards,
	})
	responseCache.StartJanitor(ctx, cfg.Cache.CleanupInterval)

	sessions := session.NewManager(cfg.Session.MaxTurns)
	sessions.StartJanitor(ctx, cfg.Session.PruneInterval, cfg.Session.IdleTTL)

	engine, err := orchestrator.New(orchestrator.Config{
		CallTimeout:     cfg.Orchestrator.CallTimeout,
		RequestDeadline: cfg.Orchestrator.RequestDeadline,
		CacheTTL:        cfg.Cache.TTL,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
	}, orchestrator.Deps{
		Providers:    a.store,
		Tracker:      tracker,
		Cache:        responseCache,
		Sessions:     sessions,
		Billing:      ledger,
		UsageQueue:   a.usageWorker,
		BillingQueue: a.billingWorker,
		Metrics:      promMetrics,
	})
	if err != nil {
		return nil, err
	}
	engine.StartProbing(ctx, cfg.Health.ProbeInterval)

	handler := httpapi.NewRouter(&httpapi.Dependencies{
		Engine:   engine,
		Sessions: sessions,
		Cache:    responseCache,
		Metrics:  promMetrics,
		Usage:    usageReader,
		DeadLetters: map[string]httpapi.DeadLetterSource{
			"usage":   a.usageWorker,
			"billing": a.billingWorker,
		},
		Checks:      checks,
		CORSOrigins: cfg.CORSOrigins,
	})

	// Write timeout leaves room for the full request deadline
	a.server = &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Orchestrator.RequestDeadline + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("Orchestrator configured",
		"providers", len(descriptors),
		"redis", a.redis != nil,
		"database", a.db != nil,
		"rate_limit_backend", cfg.RateLimit.Backend,
	)
	ok = true
	return a, nil
}

func buildLimiter(cfg *config.Config, redisClient *storage.RedisClient) ratelimit.Limiter {
	switch cfg.RateLimit.Backend {
	case "none":
		return ratelimit.NewNoopLimiter()
	case "redis":
		return ratelimit.NewRedisLimiter(redisClient.Client())
	default:
		return ratelimit.NewLocalLimiter()
	}
}

func queueConfig(cfg *config.Config, name string) *queue.Config {
	qc := queue.DefaultConfig(name)
	qc.BatchSize = cfg.Queue.BatchSize
	qc.BatchTimeout = cfg.Queue.BatchTimeout
	qc.MaxRetries = cfg.Queue.MaxRetries
	qc.RetryBackoff = cfg.Queue.RetryBackoff
	qc.MaxLength = cfg.Queue.MaxLength
	return qc
}

// buildQueue uses Redis lists when Redis is configured, channels otherwise
func buildQueue(cfg *config.Config, redisClient *storage.RedisClient, name string) (queue.Queue, queue.DeadLetterQueue, error) {
	qc := queueConfig(cfg, name)
	if redisClient == nil {
		return queue.NewMemoryQueue(qc), queue.NewMemoryDeadLetterQueue(), nil
	}

	q, err := queue.NewRedisQueue(redisClient.Client(), qc)
	if err != nil {
		return nil, nil, err
	}
	return q, queue.NewRedisDeadLetterQueue(redisClient.Client(), name), nil
}

// shutdown stops intake first, then drains workers, then releases connections.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			logger.Warn("Server forced to shutdown", "error", err)
		}
	}

	for _, w := range []*queue.Worker{a.usageWorker, a.billingWorker} {
		if w == nil {
			continue
		}
		if err := w.Stop(); err != nil {
			logger.Warn("Failed to stop worker", "error", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close providers", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("Failed to close Redis", "error", err)
		}
	}
}
