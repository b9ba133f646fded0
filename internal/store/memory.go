package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemCallLogRepo is the call log store used when no database is configured.
// Rows live only as long as the process; nothing survives a restart. It
// mirrors CallLogRepo's semantics closely enough that the call machinery
// cannot tell the difference.
type MemCallLogRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*CallLog

	// byConference indexes rows by conference name; one row per conference.
	byConference map[string]int64
	byMixer      map[string]int64
}

// NewMemCallLogRepo creates an empty in-memory call log store.
func NewMemCallLogRepo() *MemCallLogRepo {
	return &MemCallLogRepo{
		rows:         make(map[int64]*CallLog),
		byConference: make(map[string]int64),
		byMixer:      make(map[string]int64),
	}
}

// FindOrCreate returns the row for the conference, inserting a fresh
// in-progress row when none exists.
func (r *MemCallLogRepo) FindOrCreate(ctx context.Context, shell *CallLog) (*CallLog, error) {
	if shell.ConferenceName == "" {
		return nil, fmt.Errorf("store: call log requires a conference name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byConference[shell.ConferenceName]; ok {
		cp := *r.rows[id]
		return &cp, nil
	}

	r.nextID++
	row := *shell
	row.ID = r.nextID
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	r.rows[row.ID] = &row
	r.byConference[row.ConferenceName] = row.ID

	cp := row
	return &cp, nil
}

// Get returns a copy of the row, or (nil, nil) when no row exists.
func (r *MemCallLogRepo) Get(ctx context.Context, id int64) (*CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// GetByConference returns the row for the conference, or (nil, nil).
func (r *MemCallLogRepo) GetByConference(ctx context.Context, conferenceName string) (*CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConference[conferenceName]
	if !ok {
		return nil, nil
	}
	cp := *r.rows[id]
	return &cp, nil
}

// MarkEnded finalizes the row. Only the first caller to move the row out of
// in_progress observes first == true; later callers are no-ops.
func (r *MemCallLogRepo) MarkEnded(ctx context.Context, id int64, endTime time.Time, status CallStatus, disposition Disposition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	if row.Status != CallInProgress {
		return false, nil
	}
	row.EndTime = &endTime
	row.Status = status
	row.Disposition = disposition
	row.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AppendTranscript appends one line to the row's transcript.
func (r *MemCallLogRepo) AppendTranscript(ctx context.Context, id int64, line string) error {
	if line == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	if row.Transcript == "" {
		row.Transcript = line
	} else {
		row.Transcript = row.Transcript + "\n" + line
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// Transcript returns the row's transcript so far.
func (r *MemCallLogRepo) Transcript(ctx context.Context, id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return "", nil
	}
	return row.Transcript, nil
}

// SetIdentifiers records the realtime call ID and mixer SID once known.
// Empty arguments leave the existing values untouched.
func (r *MemCallLogRepo) SetIdentifiers(ctx context.Context, id int64, realtimeCallID, mixerSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	if realtimeCallID != "" {
		row.RealtimeCallID = realtimeCallID
	}
	if mixerSID != "" {
		row.MixerSID = mixerSID
		r.byMixer[mixerSID] = id
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetReconciled stores the carrier-confirmed duration and both cost legs,
// clearing the estimate flag. An empty answeredBy keeps any earlier verdict.
func (r *MemCallLogRepo) SetReconciled(ctx context.Context, id int64, durationSeconds, carrierCents, agentCents int, answeredBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.DurationSeconds = durationSeconds
	row.CarrierCostCents = carrierCents
	row.AgentCostCents = agentCents
	row.TotalCostCents = carrierCents + agentCents
	row.CostIsEstimated = false
	if answeredBy != "" {
		row.AnsweredBy = answeredBy
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRecording attaches the recording URL to the row that owns the mixer.
func (r *MemCallLogRepo) SetRecording(ctx context.Context, mixerSID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMixer[mixerSID]
	if !ok {
		return nil
	}
	row := r.rows[id]
	row.RecordingURL = url
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTransferred latches the transferred-to-human flag.
func (r *MemCallLogRepo) SetTransferred(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.TransferredToHuman = true
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetGrade stores the transcript grade.
func (r *MemCallLogRepo) SetGrade(ctx context.Context, id int64, score float32, sentiment, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.QualityScore = score
	row.PatientSentiment = sentiment
	row.AgentOutcome = outcome
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTicketNumber records the pushed ticket's number.
func (r *MemCallLogRepo) SetTicketNumber(ctx context.Context, id int64, ticket string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.TicketNumber = ticket
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSummary stores the agent's call summary.
func (r *MemCallLogRepo) SetSummary(ctx context.Context, id int64, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil
	}
	row.Summary = summary
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// MemEscalationRepo keeps escalation details in memory for cache-only mode.
type MemEscalationRepo struct {
	mu   sync.Mutex
	rows map[string]*EscalationDetail
}

// NewMemEscalationRepo creates an empty in-memory escalation store.
func NewMemEscalationRepo() *MemEscalationRepo {
	return &MemEscalationRepo{rows: make(map[string]*EscalationDetail)}
}

// Put stores the detail, replacing any earlier record for the same call.
func (r *MemEscalationRepo) Put(ctx context.Context, d *EscalationDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.rows[d.RealtimeCallID] = &cp
	return nil
}

// Take removes and returns the detail, or (nil, nil) when none exists.
func (r *MemEscalationRepo) Take(ctx context.Context, realtimeCallID string) (*EscalationDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[realtimeCallID]
	if !ok {
		return nil, nil
	}
	delete(r.rows, realtimeCallID)
	cp := *d
	return &cp, nil
}
