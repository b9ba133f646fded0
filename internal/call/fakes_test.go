package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/voiceai"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── durable session backend ────────────────────────────────────────────────

type memDurable struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

func newMemDurable() *memDurable {
	return &memDurable{rows: make(map[string]*session.Session)}
}

func (m *memDurable) Upsert(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ConferenceName] = s.Clone()
	return nil
}

func (m *memDurable) Get(ctx context.Context, name string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[name].Clone(), nil
}

func (m *memDurable) ListNonTerminal(ctx context.Context) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.rows {
		if !s.State.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memDurable) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, name)
	return nil
}

func (m *memDurable) Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	return 0, nil
}

// ── call log store ─────────────────────────────────────────────────────────

type fakeCallLogs struct {
	mu     sync.Mutex
	nextID int64
	byConf map[string]*store.CallLog
	byID   map[int64]*store.CallLog

	markEndedCalls int
	appendErr      error
}

func newFakeCallLogs() *fakeCallLogs {
	return &fakeCallLogs{
		byConf: make(map[string]*store.CallLog),
		byID:   make(map[int64]*store.CallLog),
	}
}

func (f *fakeCallLogs) FindOrCreate(ctx context.Context, shell *store.CallLog) (*store.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byConf[shell.ConferenceName]; ok {
		c := *cl
		return &c, nil
	}
	f.nextID++
	cl := *shell
	cl.ID = f.nextID
	f.byConf[shell.ConferenceName] = &cl
	f.byID[cl.ID] = &cl
	c := cl
	return &c, nil
}

func (f *fakeCallLogs) MarkEnded(ctx context.Context, id int64, endTime time.Time, status store.CallStatus, disposition store.Disposition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markEndedCalls++
	cl, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("no call log %d", id)
	}
	if cl.Status != store.CallInProgress {
		return false, nil
	}
	cl.Status = status
	cl.Disposition = disposition
	cl.EndTime = &endTime
	return true, nil
}

func (f *fakeCallLogs) SetTransferred(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byID[id]; ok {
		cl.TransferredToHuman = true
	}
	return nil
}

func (f *fakeCallLogs) SetIdentifiers(ctx context.Context, id int64, realtimeCallID, mixerSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byID[id]; ok {
		if realtimeCallID != "" {
			cl.RealtimeCallID = realtimeCallID
		}
		if mixerSID != "" {
			cl.MixerSID = mixerSID
		}
	}
	return nil
}

func (f *fakeCallLogs) SetRecording(ctx context.Context, mixerSID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cl := range f.byID {
		if cl.MixerSID == mixerSID {
			cl.RecordingURL = url
		}
	}
	return nil
}

func (f *fakeCallLogs) SetTicketNumber(ctx context.Context, id int64, ticket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byID[id]; ok {
		cl.TicketNumber = ticket
	}
	return nil
}

func (f *fakeCallLogs) SetSummary(ctx context.Context, id int64, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byID[id]; ok {
		cl.Summary = summary
	}
	return nil
}

// AppendTranscript satisfies transcript.Appender so the assembler can share
// this fake.
func (f *fakeCallLogs) AppendTranscript(ctx context.Context, id int64, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	cl, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("no call log %d", id)
	}
	if cl.Transcript == "" {
		cl.Transcript = line
	} else {
		cl.Transcript += "\n" + line
	}
	return nil
}

func (f *fakeCallLogs) get(id int64) *store.CallLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byID[id]; ok {
		c := *cl
		return &c
	}
	return nil
}

func (f *fakeCallLogs) byConference(name string) *store.CallLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.byConf[name]; ok {
		c := *cl
		return &c
	}
	return nil
}

func (f *fakeCallLogs) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cl := range f.byID {
		if cl.Status != store.CallInProgress {
			n++
		}
	}
	return n
}

// ── escalations ────────────────────────────────────────────────────────────

type fakeEscalations struct {
	mu   sync.Mutex
	rows map[string]*store.EscalationDetail
	puts int
}

func newFakeEscalations() *fakeEscalations {
	return &fakeEscalations{rows: make(map[string]*store.EscalationDetail)}
}

func (f *fakeEscalations) Put(ctx context.Context, d *store.EscalationDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	c := *d
	f.rows[d.RealtimeCallID] = &c
	return nil
}

func (f *fakeEscalations) Take(ctx context.Context, realtimeCallID string) (*store.EscalationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[realtimeCallID]
	if !ok {
		return nil, nil
	}
	delete(f.rows, realtimeCallID)
	return d, nil
}

func (f *fakeEscalations) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeEscalations) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// ── carrier ────────────────────────────────────────────────────────────────

type redirect struct {
	callSID string
	doc     telco.Response
}

type fakeCarrier struct {
	mu        sync.Mutex
	nextLeg   int
	added     []telco.ParticipantRequest
	addedSIDs []string
	redirects []redirect
	hangups   []string
	fetches   map[string]*telco.CallRecord
	addErr    error
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{fetches: make(map[string]*telco.CallRecord)}
}

func (f *fakeCarrier) AddParticipant(ctx context.Context, req telco.ParticipantRequest) (*telco.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.nextLeg++
	sid := fmt.Sprintf("CAleg%d", f.nextLeg)
	f.added = append(f.added, req)
	f.addedSIDs = append(f.addedSIDs, sid)
	return &telco.Participant{CallSID: sid, Label: req.Label, Status: telco.StatusRinging}, nil
}

func (f *fakeCarrier) RedirectCall(ctx context.Context, callSID string, doc telco.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects = append(f.redirects, redirect{callSID: callSID, doc: doc})
	return nil
}

func (f *fakeCarrier) FetchCall(ctx context.Context, callSID string) (*telco.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[callSID], nil
}

func (f *fakeCarrier) HangupCall(ctx context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callSID)
	return nil
}

func (f *fakeCarrier) addedReq(i int) telco.ParticipantRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[i]
}

func (f *fakeCarrier) addedSID(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addedSIDs[i]
}

func (f *fakeCarrier) redirectAt(i int) redirect {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redirects[i]
}

func (f *fakeCarrier) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakeCarrier) redirectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redirects)
}

func (f *fakeCarrier) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeCarrier) hangupAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups[i]
}

var _ telco.Provider = (*fakeCarrier)(nil)

// ── realtime ───────────────────────────────────────────────────────────────

// notFoundErr mimics the realtime REST 404 the accept path retries on.
type notFoundErr struct{}

func (notFoundErr) Error() string   { return "status 404: call not found" }
func (notFoundErr) HTTPStatus() int { return 404 }

type fakeRealtime struct {
	mu          sync.Mutex
	acceptErrs  []error // consumed one per attempt; past the end means success
	acceptCalls int
	accepted    []voiceai.CallConfig
	hangups     []string
	stream      *fakeStream
	openErr     error
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{stream: newFakeStream()}
}

func (f *fakeRealtime) AcceptCall(ctx context.Context, callID string, cfg voiceai.CallConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.acceptCalls
	f.acceptCalls++
	if i < len(f.acceptErrs) && f.acceptErrs[i] != nil {
		return f.acceptErrs[i]
	}
	f.accepted = append(f.accepted, cfg)
	return nil
}

func (f *fakeRealtime) HangupCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeRealtime) OpenEvents(ctx context.Context, callID string) (voiceai.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func (f *fakeRealtime) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptCalls
}

func (f *fakeRealtime) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

var _ voiceai.Controller = (*fakeRealtime)(nil)

// ── event stream ───────────────────────────────────────────────────────────

type fakeStream struct {
	events chan voiceai.Event

	// holdUpdates suppresses the session.updated echo so tests can drive
	// the confirmation themselves.
	holdUpdates bool

	mu          sync.Mutex
	err         error
	updates     []voiceai.CallConfig
	responses   []string
	toolOutputs map[string]string
	closeOnce   sync.Once
	closed      bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events:      make(chan voiceai.Event, 16),
		toolOutputs: make(map[string]string),
	}
}

func (s *fakeStream) Events() <-chan voiceai.Event { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UpdateSession records the pushed configuration and, like the real
// service, answers with a session.updated event.
func (s *fakeStream) UpdateSession(cfg voiceai.CallConfig) error {
	s.mu.Lock()
	s.updates = append(s.updates, cfg)
	s.mu.Unlock()
	if !s.holdUpdates {
		s.emit(voiceai.SessionUpdated{})
	}
	return nil
}

func (s *fakeStream) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeStream) updateAt(i int) voiceai.CallConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[i]
}

func (s *fakeStream) CreateResponse(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, instructions)
	return nil
}

func (s *fakeStream) SubmitToolOutput(toolCallID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolOutputs[toolCallID] = output
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

func (s *fakeStream) emit(ev voiceai.Event) { s.events <- ev }

func (s *fakeStream) finish() { close(s.events) }

func (s *fakeStream) response(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[i]
}

func (s *fakeStream) responseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *fakeStream) toolOutput(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolOutputs[id]
}

var _ voiceai.EventStream = (*fakeStream)(nil)
