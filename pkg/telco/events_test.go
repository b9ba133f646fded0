package telco_test

import (
	"net/url"
	"testing"

	"github.com/careline/nightbridge/pkg/telco"
)

func TestParseIncomingCall(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"CallSid":    {"CAhappy"},
		"AccountSid": {"AC123"},
		"From":       {"+16265551212"},
		"To":         {"+19095554321"},
		"CallStatus": {"ringing"},
		"CallToken":  {"tok-abc"},
	}
	in, err := telco.ParseIncomingCall(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.CallSID != "CAhappy" || in.From != "+16265551212" || in.To != "+19095554321" {
		t.Errorf("parsed fields wrong: %+v", in)
	}
	if in.CallToken != "tok-abc" {
		t.Errorf("CallToken = %q", in.CallToken)
	}
	if in.Direction != telco.DirectionInbound {
		t.Errorf("Direction default = %q, want inbound", in.Direction)
	}
}

func TestParseIncomingCall_MissingFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		form url.Values
	}{
		{"no CallSid", url.Values{"From": {"+1"}, "To": {"+2"}}},
		{"no From", url.Values{"CallSid": {"CA1"}, "To": {"+2"}}},
		{"no To", url.Values{"CallSid": {"CA1"}, "From": {"+1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := telco.ParseIncomingCall(tc.form); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseConferenceEvent(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"StatusCallbackEvent": {"participant-join"},
		"FriendlyName":        {"conf_CAhappy"},
		"ConferenceSid":       {"CF001"},
		"CallSid":             {"CAagent"},
		"ParticipantLabel":    {"ai-agent"},
		"SequenceNumber":      {"3"},
	}
	ev, err := telco.ParseConferenceEvent(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != telco.ParticipantJoin {
		t.Errorf("Kind = %q", ev.Kind)
	}
	if ev.ConferenceName != "conf_CAhappy" || ev.MixerSID != "CF001" {
		t.Errorf("identifiers wrong: %+v", ev)
	}
	if ev.ParticipantLabel != telco.LabelAgent {
		t.Errorf("ParticipantLabel = %q", ev.ParticipantLabel)
	}
	if ev.SequenceNumber != 3 {
		t.Errorf("SequenceNumber = %d", ev.SequenceNumber)
	}
}

func TestParseConferenceEvent_Rejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		form url.Values
	}{
		{"unknown kind", url.Values{
			"StatusCallbackEvent": {"participant-hold"},
			"FriendlyName":        {"conf_CA1"},
		}},
		{"missing conference name", url.Values{
			"StatusCallbackEvent": {"conference-end"},
		}},
		{"join without CallSid", url.Values{
			"StatusCallbackEvent": {"participant-join"},
			"FriendlyName":        {"conf_CA1"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := telco.ParseConferenceEvent(tc.form); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseConferenceEvent_EndWithoutCallSid(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"StatusCallbackEvent": {"conference-end"},
		"FriendlyName":        {"conf_CA1"},
		"ConferenceSid":       {"CF001"},
	}
	ev, err := telco.ParseConferenceEvent(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != telco.ConferenceEnd {
		t.Errorf("Kind = %q", ev.Kind)
	}
}

func TestParseStatusCallback(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"CallSid":      {"CAhappy"},
		"CallStatus":   {"completed"},
		"CallDuration": {"142"},
		"AnsweredBy":   {"human"},
	}
	cb, err := telco.ParseStatusCallback(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.Status != telco.StatusCompleted || cb.Duration != 142 {
		t.Errorf("parsed fields wrong: %+v", cb)
	}
	if !cb.Status.IsTerminal() {
		t.Error("completed should be terminal")
	}
}

func TestParseStatusCallback_BadDuration(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"CallSid":      {"CA1"},
		"CallStatus":   {"completed"},
		"CallDuration": {"abc"},
	}
	if _, err := telco.ParseStatusCallback(form); err == nil {
		t.Error("expected error for non-numeric duration")
	}
}

func TestParseRecordingStatus(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"RecordingSid":    {"RE123"},
		"RecordingUrl":    {"https://api.example.com/rec/RE123"},
		"RecordingStatus": {"completed"},
		"ConferenceSid":   {"CF001"},
	}
	rs, err := telco.ParseRecordingStatus(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.RecordingSID != "RE123" || rs.URL == "" {
		t.Errorf("parsed fields wrong: %+v", rs)
	}
}

func TestCallStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []telco.CallStatus{
		telco.StatusCompleted, telco.StatusBusy, telco.StatusNoAnswer,
		telco.StatusFailed, telco.StatusCanceled,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	live := []telco.CallStatus{
		telco.StatusQueued, telco.StatusRinging, telco.StatusInProgress, telco.StatusInitiated,
	}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestCallRecord_CostCents(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price string
		want  int
		ok    bool
	}{
		{"-0.0085", 1, true},
		{"-0.19", 19, true},
		{"-1.425", 143, true},
		{"0.5", 50, true},
		{"", 0, false},
		{"pending", 0, false},
	}
	for _, tc := range cases {
		rec := telco.CallRecord{Price: tc.price}
		got, ok := rec.CostCents()
		if got != tc.want || ok != tc.ok {
			t.Errorf("CostCents(%q) = (%d, %v), want (%d, %v)", tc.price, got, ok, tc.want, tc.ok)
		}
	}
}
