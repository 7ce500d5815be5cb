// Package db provides the optional Postgres journal: connection helpers, schema
// migration, and the writers that record settled sessions and pipeline runs.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres pool for dsn and pings it with exponential backoff
// until it answers or maxWait elapses. The database is typically started
// alongside the service and may not accept connections yet.
func Connect(ctx context.Context, dsn string, maxWait time.Duration) (*sql.DB, error) {
	dbc, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	dbc.SetMaxOpenConns(5)
	dbc.SetMaxIdleConns(2)
	dbc.SetConnMaxIdleTime(5 * time.Minute)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return dbc.PingContext(pctx)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("database not ready, retrying",
			slog.String("component", "db"),
			slog.Duration("next", next),
			slog.Any("err", err))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = dbc.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbc, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback when versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recording_sessions (
			id BIGSERIAL PRIMARY KEY,
			room_id TEXT NOT NULL,
			room_name TEXT,
			title TEXT,
			outcome TEXT NOT NULL,
			segment_count INTEGER NOT NULL DEFAULT 0,
			segments JSONB,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recording_sessions_room ON recording_sessions(room_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS dispatches (
			id UUID PRIMARY KEY,
			room_id TEXT NOT NULL,
			media_path TEXT NOT NULL,
			annotation_path TEXT,
			merged BOOLEAN NOT NULL DEFAULT FALSE,
			standalone BOOLEAN NOT NULL DEFAULT FALSE,
			result TEXT NOT NULL,
			error TEXT,
			output TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_room ON dispatches(room_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_result ON dispatches(result)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
