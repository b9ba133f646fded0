package postcall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careline/nightbridge/internal/call"
	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/grade"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/internal/ticket"
	"github.com/careline/nightbridge/pkg/telco"
)

// longTranscript comfortably clears the grading threshold.
var longTranscript = strings.Repeat("Patient: my prescription ran out tonight.\n", 3)

type fakeRepo struct {
	mu sync.Mutex

	callLog *store.CallLog

	// transcripts is returned one element per Transcript call; the last
	// element repeats once exhausted.
	transcripts []string
	reads       int

	reconciled  bool
	duration    int
	carrier     int
	agent       int
	answeredBy  string
	gradeScore  float32
	gradeCalled bool
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (*store.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callLog == nil {
		return nil, nil
	}
	c := *f.callLog
	if f.reconciled {
		c.DurationSeconds = f.duration
		c.CarrierCostCents = f.carrier
		c.AgentCostCents = f.agent
		c.TotalCostCents = f.carrier + f.agent
	}
	return &c, nil
}

func (f *fakeRepo) Transcript(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transcripts) == 0 {
		return "", nil
	}
	i := f.reads
	if i >= len(f.transcripts) {
		i = len(f.transcripts) - 1
	}
	f.reads++
	return f.transcripts[i], nil
}

func (f *fakeRepo) SetReconciled(ctx context.Context, id int64, durationSeconds, carrierCents, agentCents int, answeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = true
	f.duration = durationSeconds
	f.carrier = carrierCents
	f.agent = agentCents
	f.answeredBy = answeredBy
	return nil
}

func (f *fakeRepo) SetGrade(ctx context.Context, id int64, score float32, sentiment, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gradeCalled = true
	f.gradeScore = score
	return nil
}

// fetchCarrier serves FetchCall from a scripted sequence; other Provider
// methods are unused by the pipeline.
type fetchCarrier struct {
	mu      sync.Mutex
	records []*telco.CallRecord // one per fetch; last repeats
	errs    []error
	fetches int
}

func (f *fetchCarrier) FetchCall(ctx context.Context, callSID string) (*telco.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.fetches
	f.fetches++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.records) == 0 {
		return nil, nil
	}
	if i >= len(f.records) {
		i = len(f.records) - 1
	}
	return f.records[i], nil
}

func (f *fetchCarrier) AddParticipant(ctx context.Context, req telco.ParticipantRequest) (*telco.Participant, error) {
	return nil, errors.New("not supported")
}

func (f *fetchCarrier) RedirectCall(ctx context.Context, callSID string, doc telco.Response) error {
	return errors.New("not supported")
}

func (f *fetchCarrier) HangupCall(ctx context.Context, callSID string) error {
	return errors.New("not supported")
}

var _ telco.Provider = (*fetchCarrier)(nil)

type fakeGrader struct {
	res  *grade.Result
	err  error
	seen string
}

func (f *fakeGrader) Grade(ctx context.Context, transcript string) (*grade.Result, error) {
	f.seen = transcript
	return f.res, f.err
}

type fakePusher struct {
	mu      sync.Mutex
	enabled bool
	err     error
	pushed  []ticket.Bundle
}

func (f *fakePusher) Enabled() bool { return f.enabled }

func (f *fakePusher) Push(ctx context.Context, b ticket.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, b)
	return nil
}

func fastTimings() Timings {
	return Timings{
		InitialWaitMin:         time.Millisecond,
		InitialWaitMax:         2 * time.Millisecond,
		ReconcileRetries:       []time.Duration{time.Millisecond, time.Millisecond},
		TranscriptPollInterval: time.Millisecond,
		TranscriptPollBudget:   20 * time.Millisecond,
	}
}

func testSession() *session.Session {
	return &session.Session{
		ConferenceName: "conf_CA1",
		CarrierLegID:   "CA1",
		CallLogID:      7,
		AgentSlug:      "no-ivr",
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Agents: []config.AgentConfig{{Slug: "no-ivr", CreatesTickets: true}},
	}
}

func TestReconcileWaitsForCarrierRecord(t *testing.T) {
	repo := &fakeRepo{
		callLog:     &store.CallLog{ID: 7, ConferenceName: "conf_CA1", AgentSlug: "no-ivr"},
		transcripts: []string{longTranscript},
	}
	carrier := &fetchCarrier{records: []*telco.CallRecord{
		{SID: "CA1", Duration: 0},
		{SID: "CA1", Duration: 95, Price: "-0.0085", PriceUnit: "USD"},
	}}
	p := New(Params{Config: testConfig(), CallLogs: repo, Carrier: carrier, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if !repo.reconciled {
		t.Fatal("never reconciled")
	}
	if repo.duration != 95 {
		t.Errorf("duration = %d, want 95", repo.duration)
	}
	if repo.carrier != 1 {
		t.Errorf("carrier cents = %d, want 1", repo.carrier)
	}
	// 95 s rounds up to 2 minutes at the 19 cent default rate.
	if repo.agent != 38 {
		t.Errorf("agent cents = %d, want 38", repo.agent)
	}
	if carrier.fetches != 2 {
		t.Errorf("fetches = %d, want 2", carrier.fetches)
	}
}

func TestReconcileFallsBackToCallbackDuration(t *testing.T) {
	repo := &fakeRepo{callLog: &store.CallLog{ID: 7, ConferenceName: "conf_CA1"}}
	carrier := &fetchCarrier{records: []*telco.CallRecord{{SID: "CA1", Duration: 0}}}
	p := New(Params{Config: testConfig(), CallLogs: repo, Carrier: carrier, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{
		Source:          call.SourceStatusCallback,
		DurationSeconds: 61,
		AnsweredBy:      "human",
	})

	if !repo.reconciled || repo.duration != 61 {
		t.Fatalf("reconciled=%v duration=%d, want fallback 61", repo.reconciled, repo.duration)
	}
	if repo.answeredBy != "human" {
		t.Errorf("answeredBy = %q", repo.answeredBy)
	}
	if repo.agent != 38 {
		t.Errorf("agent cents = %d, want 38 for 61s", repo.agent)
	}
}

func TestReconcileGivesUpWithoutAnyDuration(t *testing.T) {
	repo := &fakeRepo{callLog: &store.CallLog{ID: 7, ConferenceName: "conf_CA1"}}
	carrier := &fetchCarrier{}
	p := New(Params{Config: testConfig(), CallLogs: repo, Carrier: carrier, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceStaleScan})

	if repo.reconciled {
		t.Error("reconciled with no duration from anywhere")
	}
}

func TestCustomAgentRate(t *testing.T) {
	cfg := testConfig()
	cfg.Costs.AgentCentsPerMinute = 25
	p := New(Params{Config: cfg, Timings: fastTimings()})
	if got := p.agentCost(120); got != 50 {
		t.Errorf("agentCost(120) = %d, want 50", got)
	}
	if got := p.agentCost(121); got != 75 {
		t.Errorf("agentCost(121) = %d, want 75", got)
	}
	if got := p.agentCost(0); got != 0 {
		t.Errorf("agentCost(0) = %d, want 0", got)
	}
}

func TestTranscriptPollKeepsLongest(t *testing.T) {
	repo := &fakeRepo{
		callLog: &store.CallLog{ID: 7, ConferenceName: "conf_CA1"},
		transcripts: []string{
			"Patient: hi",
			longTranscript,
			longTranscript,
		},
	}
	p := New(Params{Config: testConfig(), CallLogs: repo, Timings: fastTimings()})

	got := p.finalTranscript(context.Background(), 7)
	if got != longTranscript {
		t.Errorf("finalTranscript = %q, want the grown transcript", got)
	}
	// Stability stops the poll well inside the budget.
	if repo.reads > 4 {
		t.Errorf("reads = %d, want early stop", repo.reads)
	}
}

func TestGradeGateSkipsShortTranscripts(t *testing.T) {
	repo := &fakeRepo{
		callLog:     &store.CallLog{ID: 7, ConferenceName: "conf_CA1"},
		transcripts: []string{"Patient: bye"},
	}
	grader := &fakeGrader{res: &grade.Result{QualityScore: 9}}
	p := New(Params{Config: testConfig(), CallLogs: repo, Grader: grader, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if repo.gradeCalled {
		t.Error("graded a transcript below the threshold")
	}
}

func TestGradeStored(t *testing.T) {
	repo := &fakeRepo{
		callLog:     &store.CallLog{ID: 7, ConferenceName: "conf_CA1"},
		transcripts: []string{longTranscript},
	}
	grader := &fakeGrader{res: &grade.Result{QualityScore: 8.5, PatientSentiment: "neutral", Outcome: "resolved"}}
	p := New(Params{Config: testConfig(), CallLogs: repo, Grader: grader, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if !repo.gradeCalled || repo.gradeScore != 8.5 {
		t.Errorf("grade stored = %v score %v", repo.gradeCalled, repo.gradeScore)
	}
	if grader.seen != longTranscript {
		t.Error("grader did not receive the finalized transcript")
	}
}

func TestTicketPushAllGatesHold(t *testing.T) {
	repo := &fakeRepo{
		callLog: &store.CallLog{
			ID: 7, ConferenceName: "conf_CA1", AgentSlug: "no-ivr",
			TicketNumber: "TCK-42", RecordingURL: "https://rec/1",
			TransferredToHuman: true,
		},
		transcripts: []string{longTranscript},
	}
	carrier := &fetchCarrier{records: []*telco.CallRecord{{SID: "CA1", Duration: 60, Price: "-0.01", PriceUnit: "USD"}}}
	pusher := &fakePusher{enabled: true}
	p := New(Params{Config: testConfig(), CallLogs: repo, Carrier: carrier, Tickets: pusher, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if len(pusher.pushed) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pusher.pushed))
	}
	b := pusher.pushed[0]
	if b.TicketNumber != "TCK-42" || b.ConferenceName != "conf_CA1" {
		t.Errorf("bundle = %+v", b)
	}
	if b.DurationSeconds != 60 || b.AgentCostCents != 19 || b.TotalCostCents != b.CarrierCostCents+b.AgentCostCents {
		t.Errorf("bundle costs = %+v", b)
	}
	if !b.TransferredToHuman || b.Transcript != longTranscript {
		t.Errorf("bundle payload = %+v", b)
	}
}

func TestTicketPushSkippedWithoutTicket(t *testing.T) {
	repo := &fakeRepo{
		callLog:     &store.CallLog{ID: 7, ConferenceName: "conf_CA1", AgentSlug: "no-ivr"},
		transcripts: []string{longTranscript},
	}
	pusher := &fakePusher{enabled: true}
	p := New(Params{Config: testConfig(), CallLogs: repo, Tickets: pusher, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if len(pusher.pushed) != 0 {
		t.Error("pushed a bundle with no ticket number")
	}
}

func TestTicketPushSkippedForNonTicketingAgent(t *testing.T) {
	cfg := &config.Config{Agents: []config.AgentConfig{{Slug: "no-ivr", CreatesTickets: false}}}
	repo := &fakeRepo{
		callLog: &store.CallLog{
			ID: 7, ConferenceName: "conf_CA1", AgentSlug: "no-ivr", TicketNumber: "TCK-9",
		},
		transcripts: []string{longTranscript},
	}
	pusher := &fakePusher{enabled: true}
	p := New(Params{Config: cfg, CallLogs: repo, Tickets: pusher, Timings: fastTimings()})

	p.Run(context.Background(), testSession(), call.EndSignal{Source: call.SourceConferenceEnd})

	if len(pusher.pushed) != 0 {
		t.Error("pushed a bundle for an agent outside the ticketing roster")
	}
}

func TestRunWithoutCallLogIsNoop(t *testing.T) {
	p := New(Params{Config: testConfig(), Timings: fastTimings()})
	p.Run(context.Background(), &session.Session{ConferenceName: "conf_x"}, call.EndSignal{})
	p.Run(context.Background(), nil, call.EndSignal{})
}
