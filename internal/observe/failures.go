package observe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// failureRingSize bounds the in-memory failure history.
const failureRingSize = 256

// FailureTrace is one operator-visible failure record, served by the
// recent-failures diagnostics endpoint. Reason must already be PHI-safe.
type FailureTrace struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	ConferenceName string    `json:"conference_name"`
	Stage          string    `json:"stage"`
	Reason         string    `json:"reason"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// FailureLog is a fixed-size ring of the most recent failures.
type FailureLog struct {
	mu     sync.Mutex
	ring   [failureRingSize]FailureTrace
	next   int
	filled bool
}

// NewFailureLog creates an empty failure ring.
func NewFailureLog() *FailureLog {
	return &FailureLog{}
}

// Record appends a failure trace, evicting the oldest entry when full, and
// returns the generated trace ID.
func (f *FailureLog) Record(ctx context.Context, conferenceName, stage, reason string) string {
	t := FailureTrace{
		ID:             uuid.NewString(),
		Time:           time.Now().UTC(),
		ConferenceName: conferenceName,
		Stage:          stage,
		Reason:         reason,
		CorrelationID:  CorrelationID(ctx),
	}

	f.mu.Lock()
	f.ring[f.next] = t
	f.next++
	if f.next == failureRingSize {
		f.next = 0
		f.filled = true
	}
	f.mu.Unlock()

	return t.ID
}

// Recent returns up to limit failures, newest first. limit <= 0 means all.
func (f *FailureLog) Recent(limit int) []FailureTrace {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.next
	if f.filled {
		n = failureRingSize
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]FailureTrace, 0, limit)
	for i := 0; i < limit; i++ {
		idx := f.next - 1 - i
		if idx < 0 {
			idx += failureRingSize
		}
		out = append(out, f.ring[idx])
	}
	return out
}
