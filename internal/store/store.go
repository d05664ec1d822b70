// Package store persists sessions, signals, orders and positions to
// PostgreSQL and keeps the latest scan hot in Redis. Persistence is
// optional; the engine runs fully in-memory when no database is configured.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store wraps the PostgreSQL connection pool
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a connection pool, verifies connectivity and ensures the
// schema exists
func New(ctx context.Context, databaseURL string, poolSize int, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, log: logger.With().Str("component", "store").Logger()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info().Msg("Database connection pool created")
	return s, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			mode TEXT NOT NULL,
			preset TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			strategy TEXT NOT NULL,
			entry DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reason TEXT,
			meta JSONB,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			client_id TEXT NOT NULL,
			exchange_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION,
			status TEXT NOT NULL,
			filled_qty DOUBLE PRECISION NOT NULL,
			avg_fill_price DOUBLE PRECISION,
			fees_usd DOUBLE PRECISION NOT NULL,
			slippage_bps DOUBLE PRECISION,
			reduce_only BOOLEAN NOT NULL,
			intent TEXT NOT NULL,
			parent_id UUID,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty_open DOUBLE PRECISION NOT NULL,
			initial_qty DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profits JSONB,
			realized_pnl_usd DOUBLE PRECISION NOT NULL,
			realized_pnl_r DOUBLE PRECISION NOT NULL,
			risk_usd DOUBLE PRECISION NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			mode TEXT NOT NULL,
			strategy TEXT NOT NULL,
			state TEXT NOT NULL,
			origin_signal_id UUID,
			trail_anchor DOUBLE PRECISION,
			breakeven_moved BOOLEAN NOT NULL,
			adds_done INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions (state)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_session ON signals (session_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// CreateSession records the start of an engine run
func (s *Store) CreateSession(ctx context.Context, id uuid.UUID, mode, preset string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, mode, preset, started_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, mode, preset, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1`,
		id, endedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}
