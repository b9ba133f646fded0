// Package store is the PostgreSQL persistence layer for nightbridge. It owns
// the connection pool, the schema for the two core tables
// (active_call_sessions and call_logs) plus the transient escalation_details
// table, and one repository per table.
//
// Repositories are deliberately thin: all orchestration state machines live
// in internal/session and internal/call; this package only moves rows.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for all nightbridge tables. Execute it via [Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS active_call_sessions (
    conference_name      TEXT PRIMARY KEY,
    carrier_leg_sid      TEXT NOT NULL DEFAULT '',
    realtime_call_id     TEXT NOT NULL DEFAULT '',
    mixer_sid            TEXT NOT NULL DEFAULT '',
    call_log_id          BIGINT NOT NULL DEFAULT 0,
    caller_e164          TEXT NOT NULL DEFAULT '',
    dialed_e164          TEXT NOT NULL DEFAULT '',
    call_token           TEXT NOT NULL DEFAULT '',
    agent_slug           TEXT NOT NULL DEFAULT '',
    state                TEXT NOT NULL DEFAULT 'initializing',
    realtime_established BOOLEAN NOT NULL DEFAULT FALSE,
    human_transfer_initiated BOOLEAN NOT NULL DEFAULT FALSE,
    transferred_to_human BOOLEAN NOT NULL DEFAULT FALSE,
    last_error           TEXT NOT NULL DEFAULT '',
    retry_count          INT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_carrier_leg ON active_call_sessions(carrier_leg_sid);
CREATE INDEX IF NOT EXISTS idx_sessions_realtime_call ON active_call_sessions(realtime_call_id);
CREATE INDEX IF NOT EXISTS idx_sessions_mixer ON active_call_sessions(mixer_sid);

CREATE TABLE IF NOT EXISTS call_logs (
    id                   BIGSERIAL PRIMARY KEY,
    conference_name      TEXT NOT NULL DEFAULT '',
    carrier_leg_sid      TEXT NOT NULL DEFAULT '',
    realtime_call_id     TEXT NOT NULL DEFAULT '',
    mixer_sid            TEXT NOT NULL DEFAULT '',
    caller_e164          TEXT NOT NULL DEFAULT '',
    dialed_e164          TEXT NOT NULL DEFAULT '',
    agent_slug           TEXT NOT NULL DEFAULT '',
    direction            TEXT NOT NULL DEFAULT 'inbound',
    start_time           TIMESTAMPTZ NOT NULL DEFAULT now(),
    end_time             TIMESTAMPTZ,
    duration_seconds     INT NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'in_progress',
    disposition          TEXT NOT NULL DEFAULT '',
    answered_by          TEXT NOT NULL DEFAULT '',
    transcript           TEXT NOT NULL DEFAULT '',
    recording_url        TEXT NOT NULL DEFAULT '',
    transferred_to_human BOOLEAN NOT NULL DEFAULT FALSE,
    carrier_cost_cents   INT NOT NULL DEFAULT 0,
    agent_cost_cents     INT NOT NULL DEFAULT 0,
    total_cost_cents     INT NOT NULL DEFAULT 0,
    cost_is_estimated    BOOLEAN NOT NULL DEFAULT TRUE,
    quality_score        REAL NOT NULL DEFAULT 0,
    patient_sentiment    TEXT NOT NULL DEFAULT '',
    agent_outcome        TEXT NOT NULL DEFAULT '',
    ticket_number        TEXT NOT NULL DEFAULT '',
    summary              TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_call_logs_conference ON call_logs(conference_name) WHERE conference_name <> '';
CREATE INDEX IF NOT EXISTS idx_call_logs_carrier_leg ON call_logs(carrier_leg_sid);
CREATE INDEX IF NOT EXISTS idx_call_logs_realtime_call ON call_logs(realtime_call_id);
CREATE INDEX IF NOT EXISTS idx_call_logs_mixer ON call_logs(mixer_sid);

CREATE TABLE IF NOT EXISTS escalation_details (
    realtime_call_id TEXT PRIMARY KEY,
    reason           TEXT NOT NULL DEFAULT '',
    caller_type      TEXT NOT NULL DEFAULT '',
    patient_name     TEXT NOT NULL DEFAULT '',
    symptoms         TEXT NOT NULL DEFAULT '',
    callback_e164    TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by the repositories. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect establishes a connection pool to the PostgreSQL database at dsn,
// verifies it with a ping, and runs [Migrate].
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL, creating tables and indexes if they do
// not already exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
