package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"llm_orchestrator/internal/config"
)

// schema is applied by EnsureSchema. It is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id               UUID PRIMARY KEY,
	request_id       UUID NOT NULL,
	provider_id      TEXT NOT NULL,
	model            TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	policy           TEXT NOT NULL DEFAULT '',
	outcome          TEXT NOT NULL,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	cost_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider_created ON usage_records (provider_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_request ON usage_records (request_id);
`

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB
}

// NewDB connects to Postgres using cfg.URL and configures the pool
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, ErrDatabaseDisabled
	}

	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{conn: conn}, nil
}

// NewDBFromConn wraps an existing connection
func NewDBFromConn(conn *sqlx.DB) *DB {
	return &DB{conn: conn}
}

// EnsureSchema creates the usage_records table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats is a snapshot of the connection pool
type DBStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// GetStats returns current connection pool statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// NewUsageRepository creates a new usage repository
func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}
