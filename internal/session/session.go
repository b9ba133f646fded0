// Package session holds the live-call session model and the dual-write
// session store: an in-memory cache that is authoritative for the duration of
// a call, backed by asynchronous durable persistence so in-flight calls
// survive a process restart.
package session

import "time"

// State is the orchestration lifecycle state of a call session.
type State string

const (
	StateInitializing State = "initializing"
	StateConnected    State = "connected"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateInitializing, StateConnected, StateTransferring, StateCompleted, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends the session's lifecycle. A
// terminal session is immutable except for UpdatedAt and post-call
// enrichment.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultTTL is how far ExpiresAt is pushed out on every write.
const DefaultTTL = 30 * time.Minute

// Session is the per-call orchestration record. ConferenceName is the
// primary key; the carrier guarantees its uniqueness because it is derived
// from the caller leg's SID.
type Session struct {
	ConferenceName string
	CarrierLegID   string
	RealtimeCallID string
	MixerID        string
	CallLogID      int64

	CallerE164 string
	DialedE164 string
	CallToken  string
	AgentSlug  string

	State State

	RealtimeSessionEstablished bool
	HumanTransferInitiated     bool
	TransferredToHuman         bool

	LastError  string
	RetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Clone returns a shallow copy. All fields are value types, so the copy is
// safe to hand outside the store's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Patch is a partial update merged onto a cached session. Nil fields are
// left untouched.
type Patch struct {
	CarrierLegID   *string
	RealtimeCallID *string
	MixerID        *string
	CallLogID      *int64
	AgentSlug      *string
	State          *State

	RealtimeSessionEstablished *bool
	HumanTransferInitiated     *bool
	TransferredToHuman         *bool

	LastError  *string
	RetryCount *int
}

// String returns a pointer to s, for building patches inline.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches inline.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for building patches inline.
func Int(n int) *int { return &n }

// Int64 returns a pointer to n, for building patches inline.
func Int64(n int64) *int64 { return &n }

// StatePtr returns a pointer to st, for building patches inline.
func StatePtr(st State) *State { return &st }

// apply merges p onto s. The TransferredToHuman latch is monotonic: a patch
// can set it but never clear it.
func (p Patch) apply(s *Session) {
	if p.CarrierLegID != nil {
		s.CarrierLegID = *p.CarrierLegID
	}
	if p.RealtimeCallID != nil {
		s.RealtimeCallID = *p.RealtimeCallID
	}
	if p.MixerID != nil {
		s.MixerID = *p.MixerID
	}
	if p.CallLogID != nil {
		s.CallLogID = *p.CallLogID
	}
	if p.AgentSlug != nil {
		s.AgentSlug = *p.AgentSlug
	}
	if p.State != nil {
		s.State = *p.State
	}
	if p.RealtimeSessionEstablished != nil {
		s.RealtimeSessionEstablished = *p.RealtimeSessionEstablished
	}
	if p.HumanTransferInitiated != nil {
		s.HumanTransferInitiated = *p.HumanTransferInitiated
	}
	if p.TransferredToHuman != nil && *p.TransferredToHuman {
		s.TransferredToHuman = true
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
}
