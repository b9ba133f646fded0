package telco

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// IncomingCall is the parsed form posted by the carrier when a new PSTN call
// hits the number's webhook.
type IncomingCall struct {
	CallSID    string
	AccountSID string
	From       string // caller, E.164
	To         string // dialed number, E.164
	CallToken  string // opaque token required to re-dial the caller's leg
	Status     CallStatus
	Direction  Direction
}

// ParseIncomingCall validates and converts an incoming-call webhook form.
func ParseIncomingCall(form url.Values) (IncomingCall, error) {
	in := IncomingCall{
		CallSID:    form.Get("CallSid"),
		AccountSID: form.Get("AccountSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		CallToken:  form.Get("CallToken"),
		Status:     CallStatus(form.Get("CallStatus")),
		Direction:  Direction(form.Get("Direction")),
	}
	if in.CallSID == "" {
		return IncomingCall{}, fmt.Errorf("telco: incoming-call form missing CallSid")
	}
	if in.From == "" {
		return IncomingCall{}, fmt.Errorf("telco: incoming-call form missing From")
	}
	if in.To == "" {
		return IncomingCall{}, fmt.Errorf("telco: incoming-call form missing To")
	}
	if in.Direction == "" {
		in.Direction = DirectionInbound
	}
	return in, nil
}

// ConferenceEventKind discriminates mixer lifecycle callbacks.
type ConferenceEventKind string

const (
	ConferenceStart  ConferenceEventKind = "conference-start"
	ConferenceEnd    ConferenceEventKind = "conference-end"
	ParticipantJoin  ConferenceEventKind = "participant-join"
	ParticipantLeave ConferenceEventKind = "participant-leave"
)

// IsValid reports whether k is a kind this orchestrator consumes.
func (k ConferenceEventKind) IsValid() bool {
	switch k {
	case ConferenceStart, ConferenceEnd, ParticipantJoin, ParticipantLeave:
		return true
	}
	return false
}

// ConferenceEvent is one parsed mixer callback. CallSID and ParticipantLabel
// are empty for conference-start and conference-end.
type ConferenceEvent struct {
	Kind             ConferenceEventKind
	ConferenceName   string // FriendlyName, the orchestrator's primary key
	MixerSID         string // ConferenceSid
	CallSID          string
	ParticipantLabel string
	SequenceNumber   int
	Timestamp        time.Time
}

// ParseConferenceEvent validates and converts a conference-events webhook form.
func ParseConferenceEvent(form url.Values) (ConferenceEvent, error) {
	ev := ConferenceEvent{
		Kind:             ConferenceEventKind(form.Get("StatusCallbackEvent")),
		ConferenceName:   form.Get("FriendlyName"),
		MixerSID:         form.Get("ConferenceSid"),
		CallSID:          form.Get("CallSid"),
		ParticipantLabel: form.Get("ParticipantLabel"),
		Timestamp:        parseCarrierTime(form.Get("Timestamp")),
	}
	if seq := form.Get("SequenceNumber"); seq != "" {
		n, err := strconv.Atoi(seq)
		if err != nil {
			return ConferenceEvent{}, fmt.Errorf("telco: conference event SequenceNumber %q: %w", seq, err)
		}
		ev.SequenceNumber = n
	}
	if !ev.Kind.IsValid() {
		return ConferenceEvent{}, fmt.Errorf("telco: conference event kind %q is not recognised", ev.Kind)
	}
	if ev.ConferenceName == "" {
		return ConferenceEvent{}, fmt.Errorf("telco: conference event missing FriendlyName")
	}
	if (ev.Kind == ParticipantJoin || ev.Kind == ParticipantLeave) && ev.CallSID == "" {
		return ConferenceEvent{}, fmt.Errorf("telco: %s event missing CallSid", ev.Kind)
	}
	return ev, nil
}

// StatusCallback is one parsed per-leg status callback. Terminal callbacks
// carry the authoritative duration.
type StatusCallback struct {
	CallSID    string
	Status     CallStatus
	Duration   int    // seconds, present on terminal callbacks
	AnsweredBy string // "human", "machine_start", ... empty unless AMD ran
	ErrorCode  string
	Timestamp  time.Time
}

// ParseStatusCallback validates and converts a status-callback webhook form.
func ParseStatusCallback(form url.Values) (StatusCallback, error) {
	cb := StatusCallback{
		CallSID:    form.Get("CallSid"),
		Status:     CallStatus(form.Get("CallStatus")),
		AnsweredBy: form.Get("AnsweredBy"),
		ErrorCode:  form.Get("ErrorCode"),
		Timestamp:  parseCarrierTime(form.Get("Timestamp")),
	}
	if cb.CallSID == "" {
		return StatusCallback{}, fmt.Errorf("telco: status callback missing CallSid")
	}
	if cb.Status == "" {
		return StatusCallback{}, fmt.Errorf("telco: status callback missing CallStatus")
	}
	if d := form.Get("CallDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return StatusCallback{}, fmt.Errorf("telco: status callback CallDuration %q: %w", d, err)
		}
		cb.Duration = n
	}
	return cb, nil
}

// RecordingStatus is one parsed recording lifecycle callback.
type RecordingStatus struct {
	RecordingSID string
	URL          string
	Status       string // "in-progress", "completed", "absent"
	MixerSID     string
	CallSID      string
	Duration     int
}

// ParseRecordingStatus validates and converts a recording-status webhook form.
func ParseRecordingStatus(form url.Values) (RecordingStatus, error) {
	rs := RecordingStatus{
		RecordingSID: form.Get("RecordingSid"),
		URL:          form.Get("RecordingUrl"),
		Status:       form.Get("RecordingStatus"),
		MixerSID:     form.Get("ConferenceSid"),
		CallSID:      form.Get("CallSid"),
	}
	if rs.RecordingSID == "" {
		return RecordingStatus{}, fmt.Errorf("telco: recording status missing RecordingSid")
	}
	if d := form.Get("RecordingDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return RecordingStatus{}, fmt.Errorf("telco: recording status RecordingDuration %q: %w", d, err)
		}
		rs.Duration = n
	}
	return rs, nil
}

// parseCarrierTime parses the carrier's RFC 1123 timestamps, returning the
// zero time on failure so callers can substitute their own clock.
func parseCarrierTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
