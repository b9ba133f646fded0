package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EscalationDetail is the transient side-record written when the agent
// invokes the human-transfer tool and consumed by the handoff path. Rows are
// deleted on consumption; anything left behind is swept with the sessions.
type EscalationDetail struct {
	RealtimeCallID string
	Reason         string
	CallerType     string
	PatientName    string
	Symptoms       string
	CallbackE164   string
	CreatedAt      time.Time
}

// EscalationRepo persists escalation details.
type EscalationRepo struct {
	db DB
}

// NewEscalationRepo creates an EscalationRepo over db.
func NewEscalationRepo(db DB) *EscalationRepo {
	return &EscalationRepo{db: db}
}

// Put inserts or replaces the escalation detail for a realtime call. The
// agent may refine its reason mid-conversation, so last write wins here.
func (r *EscalationRepo) Put(ctx context.Context, d *EscalationDetail) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO escalation_details (realtime_call_id, reason, caller_type, patient_name, symptoms, callback_e164)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (realtime_call_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			caller_type = EXCLUDED.caller_type,
			patient_name = EXCLUDED.patient_name,
			symptoms = EXCLUDED.symptoms,
			callback_e164 = EXCLUDED.callback_e164`,
		d.RealtimeCallID, d.Reason, d.CallerType, d.PatientName, d.Symptoms, d.CallbackE164)
	if err != nil {
		return fmt.Errorf("store: put escalation %s: %w", d.RealtimeCallID, err)
	}
	return nil
}

// Take retrieves and deletes the escalation detail in one round trip.
// Returns (nil, nil) when none exists.
func (r *EscalationRepo) Take(ctx context.Context, realtimeCallID string) (*EscalationDetail, error) {
	var d EscalationDetail
	err := r.db.QueryRow(ctx,
		`DELETE FROM escalation_details WHERE realtime_call_id = $1
		 RETURNING realtime_call_id, reason, caller_type, patient_name, symptoms, callback_e164, created_at`,
		realtimeCallID).Scan(
		&d.RealtimeCallID, &d.Reason, &d.CallerType, &d.PatientName, &d.Symptoms, &d.CallbackE164, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: take escalation %s: %w", realtimeCallID, err)
	}
	return &d, nil
}
