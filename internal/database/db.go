// Package database is the persistence gateway: pooled, short-transaction
// access to trades, signals, account snapshots and daily performance.
// Persistence failures surface as *PersistenceError and never abort trading.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mt-trading-engine/config"
)

// PersistenceError wraps any store failure. Callers log it and continue the
// trading cycle.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// AsPersistenceError reports whether err is a persistence failure.
func AsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

const opTimeout = 5 * time.Second

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects the pool. Sessions are pre-pinged, idle lifetime is capped
// below an hour per the pool contract.
func New(ctx context.Context, cfg config.DatabaseSection, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}, nil
}

// Close shuts the pool down.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate applies the embedded DDL. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			ticket BIGINT UNIQUE,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			entry_price DECIMAL(20, 6) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			volume DECIMAL(20, 6) NOT NULL,
			stop_loss DECIMAL(20, 6),
			take_profit DECIMAL(20, 6),
			exit_price DECIMAL(20, 6),
			exit_time TIMESTAMPTZ,
			profit DECIMAL(20, 6),
			pips DECIMAL(12, 2),
			strategy_name VARCHAR(100) NOT NULL,
			ml_enhanced BOOLEAN NOT NULL DEFAULT FALSE,
			ai_approved BOOLEAN NOT NULL DEFAULT FALSE,
			ai_reason TEXT,
			signal_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			kind VARCHAR(4) NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			ref_price DECIMAL(20, 6) NOT NULL,
			stop_loss DECIMAL(20, 6),
			take_profit DECIMAL(20, 6),
			confidence DECIMAL(6, 4) NOT NULL,
			strategy_name VARCHAR(100) NOT NULL,
			reason TEXT,
			ml_enhanced BOOLEAN NOT NULL DEFAULT FALSE,
			ml_confidence DECIMAL(6, 4),
			sentiment_label VARCHAR(16),
			sentiment_confidence DECIMAL(6, 4),
			executed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_kind ON signals(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_generated_at ON signals(generated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_strategy_name ON signals(strategy_name)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_executed ON signals(executed)`,

		`CREATE TABLE IF NOT EXISTS account_snapshots (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			broker VARCHAR(100),
			server VARCHAR(100),
			balance DECIMAL(20, 6) NOT NULL,
			equity DECIMAL(20, 6) NOT NULL,
			profit DECIMAL(20, 6) NOT NULL,
			margin DECIMAL(20, 6) NOT NULL,
			free_margin DECIMAL(20, 6) NOT NULL,
			open_position_count INT NOT NULL,
			total_volume DECIMAL(20, 6) NOT NULL,
			sampled_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_account_id ON account_snapshots(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_sampled_at ON account_snapshots(sampled_at)`,

		`CREATE TABLE IF NOT EXISTS daily_performance (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			date DATE NOT NULL,
			trades INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			gross_profit DECIMAL(20, 6) NOT NULL DEFAULT 0,
			gross_loss DECIMAL(20, 6) NOT NULL DEFAULT 0,
			net_profit DECIMAL(20, 6) NOT NULL DEFAULT 0,
			win_rate DECIMAL(6, 4),
			profit_factor DECIMAL(12, 4),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, date)
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.log.Info().Msg("migrations applied")
	return nil
}
