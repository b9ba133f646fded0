package telco

import "context"

// ParticipantRequest asks the carrier to dial a new leg into a mixer.
// To may be a SIP URI (agent leg) or an E.164 number (human leg).
type ParticipantRequest struct {
	ConferenceName string
	From           string
	To             string
	Label          string
	EarlyMedia     bool
	CallToken      string // passthrough from the incoming call, required for SIP legs

	// StatusCallbackURL receives per-leg status callbacks for the new leg.
	StatusCallbackURL string

	// TimeoutSeconds bounds ringing before the carrier gives up on the leg.
	TimeoutSeconds int
}

// Participant is the carrier's record of a dialed-in leg.
type Participant struct {
	CallSID string
	Label   string
	Status  CallStatus
}

// Provider is the outbound carrier surface the orchestrator depends on.
// Implementations live under pkg/telco/twilio; tests substitute fakes.
type Provider interface {
	// AddParticipant dials a new leg into the named mixer.
	AddParticipant(ctx context.Context, req ParticipantRequest) (*Participant, error)

	// RedirectCall replaces the given leg's current TwiML with doc,
	// interrupting whatever the leg is doing.
	RedirectCall(ctx context.Context, callSID string, doc Response) error

	// FetchCall retrieves the carrier's record of a leg, used for post-call
	// duration and price reconciliation. Returns (nil, nil) when the carrier
	// has no such call.
	FetchCall(ctx context.Context, callSID string) (*CallRecord, error)

	// HangupCall terminates a leg regardless of its state.
	HangupCall(ctx context.Context, callSID string) error
}
