// Package database provides the journal: the append-only repository for
// signals, decisions, trades, and events, backed by PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects to the database using a pgx connection string.
func NewDB(ctx context.Context, logger *zap.Logger, dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected")
	return &DB{Pool: pool, logger: logger.Named("database")}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates every table if missing. Running it repeatedly is safe.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			tick_volume DOUBLE PRECISION NOT NULL,
			UNIQUE (symbol, timeframe, bar_time)
		)`,
		`CREATE TABLE IF NOT EXISTS features (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			UNIQUE (symbol, bar_time)
		)`,
		`CREATE TABLE IF NOT EXISTS brain_signals (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			brain_id VARCHAR(40) NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			payload JSONB NOT NULL,
			UNIQUE (symbol, bar_time, brain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			decision_id VARCHAR(40) NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			action VARCHAR(10) NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			ticket BIGINT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			entry DOUBLE PRECISION NOT NULL,
			exit DOUBLE PRECISION,
			pnl DOUBLE PRECISION,
			mfe DOUBLE PRECISION,
			mae DOUBLE PRECISION,
			source VARCHAR(20) NOT NULL,
			payload JSONB,
			UNIQUE (ticket, opened_at)
		)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			event_time TIMESTAMPTZ NOT NULL,
			ticket BIGINT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			status VARCHAR(12) NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id BIGSERIAL PRIMARY KEY,
			event_time TIMESTAMPTZ NOT NULL,
			event_type VARCHAR(40) NOT NULL,
			action VARCHAR(12) NOT NULL,
			payload JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS audit_trail (
			id BIGSERIAL PRIMARY KEY,
			audit_id VARCHAR(40) NOT NULL UNIQUE,
			event_time TIMESTAMPTZ NOT NULL,
			decision_id VARCHAR(40),
			action VARCHAR(10) NOT NULL,
			success BOOLEAN NOT NULL,
			reason TEXT,
			payload JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS levels (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			source VARCHAR(30) NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS regime_logs (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			bar_time TIMESTAMPTZ NOT NULL,
			regime VARCHAR(16) NOT NULL,
			payload JSONB,
			UNIQUE (symbol, bar_time)
		)`,
		`CREATE TABLE IF NOT EXISTS regime_transitions (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			from_regime VARCHAR(16) NOT NULL,
			to_regime VARCHAR(16) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			payload JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS calibration_entries (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			method VARCHAR(12) NOT NULL,
			ece DOUBLE PRECISION NOT NULL,
			mce DOUBLE PRECISION NOT NULL,
			brier DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS brain_performance (
			id BIGSERIAL PRIMARY KEY,
			regime VARCHAR(16) NOT NULL,
			brain_id VARCHAR(40) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			UNIQUE (regime, brain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS meta_decisions (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			regime VARCHAR(16) NOT NULL,
			allow_trading BOOLEAN NOT NULL,
			global_confidence DOUBLE PRECISION NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rl_policy (
			id BIGSERIAL PRIMARY KEY,
			regime VARCHAR(16) NOT NULL,
			state_hash VARCHAR(16) NOT NULL,
			action VARCHAR(24) NOT NULL,
			alpha DOUBLE PRECISION NOT NULL,
			beta DOUBLE PRECISION NOT NULL,
			count INTEGER NOT NULL,
			total_reward DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (regime, state_hash, action)
		)`,
		`CREATE TABLE IF NOT EXISTS position_states (
			ticket BIGINT PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			sl DOUBLE PRECISION,
			tp DOUBLE PRECISION,
			status VARCHAR(10) NOT NULL,
			close_price DOUBLE PRECISION,
			close_time TIMESTAMPTZ,
			pnl DOUBLE PRECISION,
			payload JSONB
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info("migrations complete", zap.Int("tables", len(migrations)))
	return nil
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// IntegrityCheck verifies every expected table answers a trivial query.
func (db *DB) IntegrityCheck(ctx context.Context) error {
	tables := []string{
		"candles", "features", "brain_signals", "decisions", "trades",
		"order_events", "risk_events", "audit_trail", "levels", "regime_logs",
		"regime_transitions", "calibration_entries", "brain_performance",
		"meta_decisions", "rl_policy", "position_states",
	}
	for _, table := range tables {
		var count int64
		if err := db.Pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&count); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", table, err)
		}
	}
	return nil
}
