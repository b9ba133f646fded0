// Package telco defines the carrier-facing domain model for nightbridge:
// call statuses, participant labels, webhook event variants, TwiML documents,
// and the [Provider] interface implemented by carrier REST clients.
//
// Webhook payloads are parsed at the HTTP boundary into one typed variant per
// event kind; nothing downstream of this package touches raw form values.
package telco

import (
	"strconv"
	"strings"
)

// CallStatus is the carrier's lifecycle state for a single call leg.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether the status ends the leg's lifecycle. Terminal
// status callbacks carry the carrier-authoritative duration and price.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsAnswered reports whether the status means a party is on the line.
func (s CallStatus) IsAnswered() bool {
	return s == StatusInProgress
}

// Participant labels inside the mixer. The caller leg is labelled by the
// answering TwiML; agent legs are labelled when they are dialed in.
const (
	LabelCaller = "caller"
	LabelAgent  = "ai-agent"
	LabelHuman  = "human-agent"
)

// Direction of a call from the carrier's point of view.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound-api"
)

// CallRecord is the carrier's REST view of one call leg, fetched during
// post-call reconciliation.
type CallRecord struct {
	SID      string
	Status   CallStatus
	From     string
	To       string
	Duration int // seconds, 0 until the carrier has finalized the leg

	// Price is the carrier's signed decimal charge (e.g. "-0.0085"), empty
	// until billing settles. PriceUnit is its currency code.
	Price     string
	PriceUnit string
}

// CostCents converts the carrier price to positive integer cents. The second
// return is false while the price has not settled or cannot be parsed.
func (c CallRecord) CostCents() (int, bool) {
	p := strings.TrimSpace(strings.TrimPrefix(c.Price, "-"))
	if p == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, false
	}
	return int(f*100 + 0.5), true
}
