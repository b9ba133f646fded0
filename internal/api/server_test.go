package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/resilience"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/voiceai"
	"github.com/careline/nightbridge/pkg/voiceai/openairt"
)

type fakeOrchestrator struct {
	incoming   []telco.IncomingCall
	confEvents []telco.ConferenceEvent
	callbacks  []telco.StatusCallback
	recordings []telco.RecordingStatus
	realtime   []voiceai.WebhookEvent

	incomingErr error
	realtimeErr error
}

func (f *fakeOrchestrator) HandleIncomingCall(ctx context.Context, in telco.IncomingCall) (telco.Response, error) {
	f.incoming = append(f.incoming, in)
	if f.incomingErr != nil {
		return telco.Response{}, f.incomingErr
	}
	return telco.Response{Dial: &telco.Dial{Conference: &telco.Conference{Name: "conf_" + in.CallSID}}}, nil
}

func (f *fakeOrchestrator) HandleConferenceEvent(ctx context.Context, ev telco.ConferenceEvent) error {
	f.confEvents = append(f.confEvents, ev)
	return nil
}

func (f *fakeOrchestrator) HandleStatusCallback(ctx context.Context, cb telco.StatusCallback) error {
	f.callbacks = append(f.callbacks, cb)
	return nil
}

func (f *fakeOrchestrator) HandleRecordingStatus(ctx context.Context, rs telco.RecordingStatus) error {
	f.recordings = append(f.recordings, rs)
	return nil
}

func (f *fakeOrchestrator) HandleRealtimeEvent(ctx context.Context, ev voiceai.WebhookEvent) error {
	f.realtime = append(f.realtime, ev)
	return f.realtimeErr
}

func (f *fakeOrchestrator) HumanFallbackDoc(conferenceName string) telco.Response {
	return telco.Response{Dial: &telco.Dial{Number: &telco.Number{Text: "+15559990000"}}}
}

func newTestServer(t *testing.T, orc *fakeOrchestrator, verifier *openairt.WebhookVerifier) *Server {
	t.Helper()
	return New(Params{
		Engine:   orc,
		Verifier: verifier,
		Stats:    observe.NewStats(),
		Failures: observe.NewFailureLog(),
		Breakers: resilience.NewGroup(),
	})
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIncomingCallReturnsConferenceTwiML(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/incoming-call", url.Values{
		"CallSid":    {"CA1"},
		"AccountSid": {"AC1"},
		"From":       {"+15551234567"},
		"To":         {"+15557654321"},
		"CallToken":  {"tok"},
		"CallStatus": {"ringing"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<Conference") || !strings.Contains(rec.Body.String(), "conf_CA1") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(orc.incoming) != 1 || orc.incoming[0].From != "+15551234567" {
		t.Errorf("engine received %+v", orc.incoming)
	}
}

func TestIncomingCallMissingFieldsRejected(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/incoming-call", url.Values{"CallSid": {"CA1"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(orc.incoming) != 0 {
		t.Error("malformed webhook reached the engine")
	}
}

func TestIncomingCallEngineFailureAnswersWithFallback(t *testing.T) {
	orc := &fakeOrchestrator{incomingErr: errors.New("store down")}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/incoming-call", url.Values{
		"CallSid": {"CA1"}, "From": {"+15551234567"}, "To": {"+15557654321"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "+15559990000") {
		t.Errorf("body = %s, want human fallback dial", rec.Body.String())
	}
}

func TestConferenceEventsParsedAndAcknowledged(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/conference-events", url.Values{
		"StatusCallbackEvent": {"participant-join"},
		"FriendlyName":        {"conf_CA1"},
		"ConferenceSid":       {"CF1"},
		"CallSid":             {"CA1"},
		"ParticipantLabel":    {"caller"},
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(orc.confEvents) != 1 || orc.confEvents[0].Kind != telco.ParticipantJoin {
		t.Errorf("engine received %+v", orc.confEvents)
	}
}

func TestConferenceEventsUnknownKindRejected(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/conference-events", url.Values{
		"StatusCallbackEvent": {"mute"},
		"FriendlyName":        {"conf_CA1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStatusCallbackCarriesDuration(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/status-callback", url.Values{
		"CallSid":      {"CA1"},
		"CallStatus":   {"completed"},
		"CallDuration": {"95"},
		"AnsweredBy":   {"human"},
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	cb := orc.callbacks[0]
	if cb.Duration != 95 || cb.AnsweredBy != "human" || cb.Status != telco.StatusCompleted {
		t.Errorf("callback = %+v", cb)
	}
}

func TestRecordingStatusRouted(t *testing.T) {
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, nil).Router()

	rec := postForm(t, router, "/webhooks/carrier/recording-status", url.Values{
		"RecordingSid":    {"RE1"},
		"RecordingUrl":    {"https://api.example.com/rec/RE1"},
		"RecordingStatus": {"completed"},
		"ConferenceSid":   {"CF1"},
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(orc.recordings) != 1 || orc.recordings[0].RecordingSID != "RE1" {
		t.Errorf("engine received %+v", orc.recordings)
	}
}

// signedRealtimeRequest builds a webhook request with a valid v1 envelope
// signature for the given secret key material.
func signedRealtimeRequest(t *testing.T, key []byte, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/realtime", strings.NewReader(body))
	id := "wh_1"
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "." + body))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return req
}

func TestRealtimeWebhookVerifiedAndDispatched(t *testing.T) {
	key := []byte("0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	verifier, err := openairt.NewWebhookVerifier(secret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, verifier).Router()

	body := `{"id":"evt_1","type":"realtime.call.incoming","data":{"call_id":"rtc_1","sip_headers":[{"name":"X-conferenceName","value":"conf_CA1"}]}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRealtimeRequest(t, key, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(orc.realtime) != 1 {
		t.Fatalf("engine received %d events", len(orc.realtime))
	}
	ev, ok := orc.realtime[0].(voiceai.CallIncoming)
	if !ok || ev.CallID != "rtc_1" || ev.Header("X-conferenceName") != "conf_CA1" {
		t.Errorf("event = %#v", orc.realtime[0])
	}
}

func TestRealtimeWebhookBadSignatureRejected(t *testing.T) {
	key := []byte("0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	verifier, err := openairt.NewWebhookVerifier(secret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	orc := &fakeOrchestrator{}
	router := newTestServer(t, orc, verifier).Router()

	body := `{"id":"evt_1","type":"realtime.call.incoming","data":{"call_id":"rtc_1"}}`
	req := signedRealtimeRequest(t, []byte("wrong key material"), body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(orc.realtime) != 0 {
		t.Error("unverified webhook reached the engine")
	}
}

func TestRealtimeWebhookEngineErrorStillAcknowledged(t *testing.T) {
	orc := &fakeOrchestrator{realtimeErr: errors.New("unknown conference")}
	router := newTestServer(t, orc, nil).Router()

	body := `{"id":"evt_1","type":"realtime.call.incoming","data":{"call_id":"rtc_1"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/realtime", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 to stop retries", rec.Code)
	}
}

func TestDiagnosticsSnapshot(t *testing.T) {
	orc := &fakeOrchestrator{}
	srv := newTestServer(t, orc, nil)
	srv.stats.CallStarted()
	srv.stats.CallCompleted()
	srv.breakers.Get(resilience.DepCarrier)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/diagnostics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view diagnosticsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Stats.CallsStarted != 1 || view.Stats.CallsCompleted != 1 {
		t.Errorf("stats = %+v", view.Stats)
	}
	if view.Breakers["carrier"] != "closed" {
		t.Errorf("breakers = %+v", view.Breakers)
	}
}

func TestRecentFailuresLimit(t *testing.T) {
	orc := &fakeOrchestrator{}
	srv := newTestServer(t, orc, nil)
	for i := 0; i < 5; i++ {
		srv.failures.Record(context.Background(), "conf_x", "accept", "boom")
	}
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/diagnostics/recent-failures?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var traces []observe.FailureTrace
	if err := json.Unmarshal(rec.Body.Bytes(), &traces); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("traces = %d, want 2", len(traces))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/recent-failures?limit=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestActiveSessionsRedacted(t *testing.T) {
	observe.SetPHIRedaction(true)
	t.Cleanup(func() { observe.SetPHIRedaction(false) })

	sessions := session.NewStore(nil, nil, nil, nil)
	t.Cleanup(sessions.Close)
	if err := sessions.Create(context.Background(), &session.Session{
		ConferenceName: "conf_CA1",
		CallerE164:     "+15551234567",
		AgentSlug:      "no-ivr",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := New(Params{Engine: &fakeOrchestrator{}, Sessions: sessions})
	req := httptest.NewRequest(http.MethodGet, "/diagnostics/active", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var views []activeSessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d", len(views))
	}
	if views[0].Caller != "…4567" {
		t.Errorf("caller = %q, want redacted suffix", views[0].Caller)
	}
	if strings.Contains(rec.Body.String(), "+15551234567") {
		t.Error("full caller number leaked into diagnostics")
	}
}
