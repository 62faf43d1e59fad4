package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the orchestrator process.
type Config struct {
	HTTPPort      string
	ProvidersFile string
	CORSOrigins   []string
	Orchestrator  OrchestratorConfig
	Health        HealthConfig
	Cache         CacheConfig
	Session       SessionConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Queue         QueueConfig
}

// OrchestratorConfig holds dispatch timing settings
type OrchestratorConfig struct {
	CallTimeout     time.Duration // per provider call
	RequestDeadline time.Duration // overall, across fallback attempts or the ensemble
}

// HealthConfig controls the provider state machine
type HealthConfig struct {
	FailureThreshold int           // consecutive failures before a provider is marked unavailable
	CooldownBase     time.Duration // first rate-limit cooldown
	CooldownMax      time.Duration
	ProbeInterval    time.Duration // 0 disables background probing
	ProbeTimeout     time.Duration
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	Capacity        int
	TTL             time.Duration
	Shards          int
	CleanupInterval time.Duration
}

// SessionConfig holds conversation context settings
type SessionConfig struct {
	MaxTurns      int
	IdleTTL       time.Duration
	PruneInterval time.Duration
}

// RateLimitConfig selects the token bucket backend
type RateLimitConfig struct {
	Backend string // "local", "redis" or "none"
}

// RedisConfig holds Redis connection settings. An empty address disables Redis.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// DatabaseConfig holds database connection settings. An empty URL disables persistence.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// QueueConfig holds async worker settings shared by the usage and billing queues
type QueueConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	MaxLength    int64
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:      getEnvString("HTTP_PORT", "8080"),
		ProvidersFile: getEnvString("PROVIDERS_FILE", ""),
		CORSOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Orchestrator: OrchestratorConfig{
			CallTimeout:     getEnvDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
			RequestDeadline: getEnvDuration("REQUEST_DEADLINE", 90*time.Second),
		},
		Health: HealthConfig{
			FailureThreshold: getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),
			CooldownBase:     getEnvDuration("HEALTH_COOLDOWN_BASE", 5*time.Second),
			CooldownMax:      getEnvDuration("HEALTH_COOLDOWN_MAX", 5*time.Minute),
			ProbeInterval:    getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
			ProbeTimeout:     getEnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Capacity:        getEnvInt("CACHE_CAPACITY", 1000),
			TTL:             getEnvDuration("CACHE_TTL", 1*time.Hour),
			Shards:          getEnvInt("CACHE_SHARDS", 16),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 1*time.Minute),
		},
		Session: SessionConfig{
			MaxTurns:      getEnvInt("SESSION_MAX_TURNS", 20),
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			PruneInterval: getEnvDuration("SESSION_PRUNE_INTERVAL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Backend: strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", "local")),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Queue: QueueConfig{
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
			MaxLength:    getEnvInt64("QUEUE_MAX_LENGTH", 100_000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RateLimit.Backend {
	case "local", "none":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}
	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("SESSION_MAX_TURNS must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be positive")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("HEALTH_FAILURE_THRESHOLD must be positive")
	}
	if c.Orchestrator.CallTimeout <= 0 || c.Orchestrator.RequestDeadline <= 0 {
		return fmt.Errorf("PROVIDER_CALL_TIMEOUT and REQUEST_DEADLINE must be positive")
	}
	return nil
}
