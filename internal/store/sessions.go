package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careline/nightbridge/internal/ident"
	"github.com/careline/nightbridge/internal/session"
)

// SessionRepo persists active call sessions. One row per live call, deleted
// on terminal transition or by [SessionRepo.Sweep].
type SessionRepo struct {
	db DB
}

// NewSessionRepo creates a SessionRepo over db.
func NewSessionRepo(db DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Compile-time check: the repo is the registry's durable fallback.
var _ ident.Lookup = (*SessionRepo)(nil)

const sessionColumns = `conference_name, carrier_leg_sid, realtime_call_id, mixer_sid,
	call_log_id, caller_e164, dialed_e164, call_token, agent_slug, state,
	realtime_established, human_transfer_initiated, transferred_to_human,
	last_error, retry_count, created_at, updated_at, expires_at`

// Upsert writes the full session row, inserting or replacing by conference
// name.
func (r *SessionRepo) Upsert(ctx context.Context, s *session.Session) error {
	const query = `
		INSERT INTO active_call_sessions (` + sessionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (conference_name) DO UPDATE SET
			carrier_leg_sid = EXCLUDED.carrier_leg_sid,
			realtime_call_id = EXCLUDED.realtime_call_id,
			mixer_sid = EXCLUDED.mixer_sid,
			call_log_id = EXCLUDED.call_log_id,
			agent_slug = EXCLUDED.agent_slug,
			state = EXCLUDED.state,
			realtime_established = EXCLUDED.realtime_established,
			human_transfer_initiated = EXCLUDED.human_transfer_initiated,
			transferred_to_human = EXCLUDED.transferred_to_human,
			last_error = EXCLUDED.last_error,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`

	_, err := r.db.Exec(ctx, query,
		s.ConferenceName, s.CarrierLegID, s.RealtimeCallID, s.MixerID,
		s.CallLogID, s.CallerE164, s.DialedE164, s.CallToken, s.AgentSlug, string(s.State),
		s.RealtimeSessionEstablished, s.HumanTransferInitiated, s.TransferredToHuman,
		s.LastError, s.RetryCount, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert session %s: %w", s.ConferenceName, err)
	}
	return nil
}

// Get retrieves a session by conference name. Returns (nil, nil) when no
// such session exists.
func (r *SessionRepo) Get(ctx context.Context, conferenceName string) (*session.Session, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM active_call_sessions WHERE conference_name = $1`,
		conferenceName)
	return scanSession(row, conferenceName)
}

// identifierColumn maps a registry keyspace to its session table column. The
// map doubles as an allow-list: unknown kinds never reach the SQL text.
var identifierColumn = map[ident.Kind]string{
	ident.KindConference:   "conference_name",
	ident.KindCarrierLeg:   "carrier_leg_sid",
	ident.KindMixer:        "mixer_sid",
	ident.KindRealtimeCall: "realtime_call_id",
}

// SessionByIdentifier is the durable fallback for the identifier registry.
// Returns (nil, nil) when no session carries the identifier.
func (r *SessionRepo) SessionByIdentifier(ctx context.Context, kind ident.Kind, value string) (*session.Session, error) {
	col, ok := identifierColumn[kind]
	if !ok {
		return nil, fmt.Errorf("store: unknown identifier kind %q", kind)
	}
	row := r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM active_call_sessions WHERE `+col+` = $1`,
		value)
	return scanSession(row, value)
}

// ListNonTerminal returns every session still in flight, used at startup to
// repopulate the cache so calls survive a restart.
func (r *SessionRepo) ListNonTerminal(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM active_call_sessions
		 WHERE state IN ('initializing','connected','transferring')`)
	if err != nil {
		return nil, fmt.Errorf("store: list non-terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSessionValues(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list non-terminal sessions: %w", err)
	}
	return out, nil
}

// Delete removes the session row. Deleting an absent row is not an error.
func (r *SessionRepo) Delete(ctx context.Context, conferenceName string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM active_call_sessions WHERE conference_name = $1`,
		conferenceName); err != nil {
		return fmt.Errorf("store: delete session %s: %w", conferenceName, err)
	}
	return nil
}

// Sweep deletes rows that are expired AND terminal, or older than maxAge
// regardless of state. The age clause is the safety net for leaked records.
// Returns the number of rows removed.
func (r *SessionRepo) Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM active_call_sessions
		 WHERE (expires_at < $1 AND state IN ('completed','failed'))
		    OR updated_at < $2`,
		now, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("store: sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanSession scans one row, mapping pgx.ErrNoRows to (nil, nil).
func scanSession(row pgx.Row, key string) (*session.Session, error) {
	var s session.Session
	var state string
	err := row.Scan(
		&s.ConferenceName, &s.CarrierLegID, &s.RealtimeCallID, &s.MixerID,
		&s.CallLogID, &s.CallerE164, &s.DialedE164, &s.CallToken, &s.AgentSlug, &state,
		&s.RealtimeSessionEstablished, &s.HumanTransferInitiated, &s.TransferredToHuman,
		&s.LastError, &s.RetryCount, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session %q: %w", key, err)
	}
	s.State = session.State(state)
	return &s, nil
}

// scanSessionValues scans the current row of a multi-row result.
func scanSessionValues(rows pgx.Rows) (*session.Session, error) {
	var s session.Session
	var state string
	err := rows.Scan(
		&s.ConferenceName, &s.CarrierLegID, &s.RealtimeCallID, &s.MixerID,
		&s.CallLogID, &s.CallerE164, &s.DialedE164, &s.CallToken, &s.AgentSlug, &state,
		&s.RealtimeSessionEstablished, &s.HumanTransferInitiated, &s.TransferredToHuman,
		&s.LastError, &s.RetryCount, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan session row: %w", err)
	}
	s.State = session.State(state)
	return &s, nil
}
