package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallStatus is the call log's coarse lifecycle state.
type CallStatus string

const (
	CallInProgress  CallStatus = "in_progress"
	CallCompleted   CallStatus = "completed"
	CallTransferred CallStatus = "transferred"
	CallFailed      CallStatus = "failed"
)

// Disposition classifies how a finished call ended.
type Disposition string

const (
	DispositionCompleted   Disposition = "completed"
	DispositionVoicemail   Disposition = "voicemail"
	DispositionBusy        Disposition = "busy"
	DispositionNoAnswer    Disposition = "no_answer"
	DispositionFailed      Disposition = "failed"
	DispositionTransferred Disposition = "transferred"
	DispositionTimeout     Disposition = "timeout"
)

// CallLog is the canonical per-call record. It is created on the first
// carrier webhook, enriched during and after the call, and never deleted.
// DurationSeconds is trusted only while CostIsEstimated is false: the only
// writer of a final duration is the carrier reconciler.
type CallLog struct {
	ID             int64
	ConferenceName string
	CarrierLegSID  string
	RealtimeCallID string
	MixerSID       string

	CallerE164 string
	DialedE164 string
	AgentSlug  string
	Direction  string

	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int
	Status          CallStatus
	Disposition     Disposition
	AnsweredBy      string

	Transcript         string
	RecordingURL       string
	TransferredToHuman bool

	CarrierCostCents int
	AgentCostCents   int
	TotalCostCents   int
	CostIsEstimated  bool

	QualityScore     float32
	PatientSentiment string
	AgentOutcome     string
	TicketNumber     string
	Summary          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallLogRepo persists call logs.
type CallLogRepo struct {
	db DB
}

// NewCallLogRepo creates a CallLogRepo over db.
func NewCallLogRepo(db DB) *CallLogRepo {
	return &CallLogRepo{db: db}
}

const callLogColumns = `id, conference_name, carrier_leg_sid, realtime_call_id, mixer_sid,
	caller_e164, dialed_e164, agent_slug, direction,
	start_time, end_time, duration_seconds, status, disposition, answered_by,
	transcript, recording_url, transferred_to_human,
	carrier_cost_cents, agent_cost_cents, total_cost_cents, cost_is_estimated,
	quality_score, patient_sentiment, agent_outcome, ticket_number, summary,
	created_at, updated_at`

// FindOrCreate returns the call log for the conference, inserting a fresh
// in-progress row when none exists. The partial unique index on
// conference_name makes concurrent creators converge on one row.
func (r *CallLogRepo) FindOrCreate(ctx context.Context, shell *CallLog) (*CallLog, error) {
	if shell.ConferenceName == "" {
		return nil, fmt.Errorf("store: call log requires a conference name")
	}
	existing, err := r.GetByConference(ctx, shell.ConferenceName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	const query = `
		INSERT INTO call_logs (
			conference_name, carrier_leg_sid, realtime_call_id, mixer_sid,
			caller_e164, dialed_e164, agent_slug, direction, start_time, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING ` + callLogColumns

	status := shell.Status
	if status == "" {
		status = CallInProgress
	}
	direction := shell.Direction
	if direction == "" {
		direction = "inbound"
	}
	start := shell.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}

	row := r.db.QueryRow(ctx, query,
		shell.ConferenceName, shell.CarrierLegSID, shell.RealtimeCallID, shell.MixerSID,
		shell.CallerE164, shell.DialedE164, shell.AgentSlug, direction, start, string(status),
	)
	cl, err := scanCallLog(row)
	if err != nil {
		if isDuplicateKeyError(err) {
			// Lost the creation race; the winner's row is the record.
			return r.GetByConference(ctx, shell.ConferenceName)
		}
		return nil, fmt.Errorf("store: create call log %s: %w", shell.ConferenceName, err)
	}
	return cl, nil
}

// Get retrieves a call log by ID. Returns (nil, nil) when absent.
func (r *CallLogRepo) Get(ctx context.Context, id int64) (*CallLog, error) {
	row := r.db.QueryRow(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE id = $1`, id)
	cl, err := scanCallLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get call log %d: %w", id, err)
	}
	return cl, nil
}

// GetByConference retrieves a call log by conference name. Returns (nil,
// nil) when absent.
func (r *CallLogRepo) GetByConference(ctx context.Context, conferenceName string) (*CallLog, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE conference_name = $1`, conferenceName)
	cl, err := scanCallLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get call log by conference %q: %w", conferenceName, err)
	}
	return cl, nil
}

// MarkEnded records the terminal transition. The status guard makes the
// write idempotent: only the first caller flips the row out of in_progress
// and gets first=true; replays leave the row untouched.
func (r *CallLogRepo) MarkEnded(ctx context.Context, id int64, endTime time.Time, status CallStatus, disposition Disposition) (first bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE call_logs
		 SET end_time = $2, status = $3, disposition = $4, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, endTime, string(status), string(disposition))
	if err != nil {
		return false, fmt.Errorf("store: mark call log %d ended: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendTranscript appends one line to the transcript in arrival order.
func (r *CallLogRepo) AppendTranscript(ctx context.Context, id int64, line string) error {
	if line == "" {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs
		 SET transcript = CASE WHEN transcript = '' THEN $2 ELSE transcript || E'\n' || $2 END,
		     updated_at = now()
		 WHERE id = $1`,
		id, line)
	if err != nil {
		return fmt.Errorf("store: append transcript to call log %d: %w", id, err)
	}
	return nil
}

// Transcript returns the current transcript text. Used by the post-call
// finalize poll, which keeps the longest snapshot it sees.
func (r *CallLogRepo) Transcript(ctx context.Context, id int64) (string, error) {
	var text string
	err := r.db.QueryRow(ctx, `SELECT transcript FROM call_logs WHERE id = $1`, id).Scan(&text)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("store: read transcript of call log %d: %w", id, err)
	}
	return text, nil
}

// SetIdentifiers back-fills identifiers learned after the row was created.
// Empty values leave the column untouched.
func (r *CallLogRepo) SetIdentifiers(ctx context.Context, id int64, realtimeCallID, mixerSID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs
		 SET realtime_call_id = CASE WHEN $2 = '' THEN realtime_call_id ELSE $2 END,
		     mixer_sid = CASE WHEN $3 = '' THEN mixer_sid ELSE $3 END,
		     updated_at = now()
		 WHERE id = $1`,
		id, realtimeCallID, mixerSID)
	if err != nil {
		return fmt.Errorf("store: set identifiers on call log %d: %w", id, err)
	}
	return nil
}

// SetReconciled writes the carrier-authoritative duration and costs and
// clears the estimate flag. This is the only path allowed to write a final
// duration.
func (r *CallLogRepo) SetReconciled(ctx context.Context, id int64, durationSeconds, carrierCents, agentCents int, answeredBy string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs
		 SET duration_seconds = $2, carrier_cost_cents = $3, agent_cost_cents = $4,
		     total_cost_cents = $3 + $4, cost_is_estimated = FALSE,
		     answered_by = CASE WHEN $5 = '' THEN answered_by ELSE $5 END,
		     updated_at = now()
		 WHERE id = $1`,
		id, durationSeconds, carrierCents, agentCents, answeredBy)
	if err != nil {
		return fmt.Errorf("store: reconcile call log %d: %w", id, err)
	}
	return nil
}

// SetRecording stores the recording URL by the mixer SID the recording
// callback carries.
func (r *CallLogRepo) SetRecording(ctx context.Context, mixerSID, url string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs SET recording_url = $2, updated_at = now() WHERE mixer_sid = $1`,
		mixerSID, url)
	if err != nil {
		return fmt.Errorf("store: set recording for mixer %s: %w", mixerSID, err)
	}
	return nil
}

// SetTransferred latches transferred_to_human. The column only ever moves
// false to true; there is deliberately no way to clear it.
func (r *CallLogRepo) SetTransferred(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs SET transferred_to_human = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: latch transfer on call log %d: %w", id, err)
	}
	return nil
}

// SetGrade stores the grading result.
func (r *CallLogRepo) SetGrade(ctx context.Context, id int64, score float32, sentiment, outcome string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs
		 SET quality_score = $2, patient_sentiment = $3, agent_outcome = $4, updated_at = now()
		 WHERE id = $1`,
		id, score, sentiment, outcome)
	if err != nil {
		return fmt.Errorf("store: grade call log %d: %w", id, err)
	}
	return nil
}

// SetTicketNumber records the external ticket cross-link.
func (r *CallLogRepo) SetTicketNumber(ctx context.Context, id int64, ticket string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs SET ticket_number = $2, updated_at = now() WHERE id = $1`, id, ticket)
	if err != nil {
		return fmt.Errorf("store: set ticket on call log %d: %w", id, err)
	}
	return nil
}

// SetSummary records the short operator-facing note.
func (r *CallLogRepo) SetSummary(ctx context.Context, id int64, summary string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE call_logs SET summary = $2, updated_at = now() WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("store: set summary on call log %d: %w", id, err)
	}
	return nil
}

// scanCallLog scans one call_logs row.
func scanCallLog(row pgx.Row) (*CallLog, error) {
	var cl CallLog
	var status, disposition string
	err := row.Scan(
		&cl.ID, &cl.ConferenceName, &cl.CarrierLegSID, &cl.RealtimeCallID, &cl.MixerSID,
		&cl.CallerE164, &cl.DialedE164, &cl.AgentSlug, &cl.Direction,
		&cl.StartTime, &cl.EndTime, &cl.DurationSeconds, &status, &disposition, &cl.AnsweredBy,
		&cl.Transcript, &cl.RecordingURL, &cl.TransferredToHuman,
		&cl.CarrierCostCents, &cl.AgentCostCents, &cl.TotalCostCents, &cl.CostIsEstimated,
		&cl.QualityScore, &cl.PatientSentiment, &cl.AgentOutcome, &cl.TicketNumber, &cl.Summary,
		&cl.CreatedAt, &cl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cl.Status = CallStatus(status)
	cl.Disposition = Disposition(disposition)
	return &cl, nil
}
