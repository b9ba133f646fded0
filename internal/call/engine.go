package call

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/ident"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/resilience"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/internal/transcript"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/voiceai"
)

// defaultSIPDomain is where the agent leg dials when no override is set.
const defaultSIPDomain = "sip.api.openai.com"

// holdPhrase is spoken to the caller while the agent leg attaches.
const holdPhrase = "Please hold for just a moment while I connect you."

// CallLogStore is the slice of the call-log repository the engine writes
// during a call. *store.CallLogRepo implements it.
type CallLogStore interface {
	CallLogEnder
	FindOrCreate(ctx context.Context, shell *store.CallLog) (*store.CallLog, error)
	SetIdentifiers(ctx context.Context, id int64, realtimeCallID, mixerSID string) error
	SetRecording(ctx context.Context, mixerSID, url string) error
	SetTicketNumber(ctx context.Context, id int64, ticket string) error
	SetSummary(ctx context.Context, id int64, summary string) error
}

var _ CallLogStore = (*store.CallLogRepo)(nil)

// EscalationStore persists the transfer tool's side records.
type EscalationStore interface {
	Put(ctx context.Context, d *store.EscalationDetail) error
	Take(ctx context.Context, realtimeCallID string) (*store.EscalationDetail, error)
}

var _ EscalationStore = (*store.EscalationRepo)(nil)

// Params collects the engine's dependencies. Tests substitute fakes for the
// provider-facing fields.
type Params struct {
	Config      *config.Config
	Sessions    *session.Store
	Registry    *ident.Registry
	CallLogs    CallLogStore
	Escalations EscalationStore
	Carrier     telco.Provider
	Realtime    voiceai.Controller
	Transcripts *transcript.Assembler
	Barriers    *Barriers
	Watchdog    *Watchdog
	Lifecycle   *Lifecycle
	Metrics     *observe.Metrics
	Stats       *observe.Stats
	Failures    *observe.FailureLog
	Breakers    *resilience.Group

	// AcceptPolicy overrides the realtime accept retry schedule. Nil takes
	// the production schedule.
	AcceptPolicy *resilience.RetryPolicy

	// AttachPolicy overrides the carrier participant-add retry schedule.
	AttachPolicy *resilience.RetryPolicy
}

// Engine drives each call through its accept/attach/greet handshake and
// routes every carrier and realtime event to the right per-call machinery.
type Engine struct {
	cfg         *config.Config
	sessions    *session.Store
	registry    *ident.Registry
	callLogs    CallLogStore
	escalations EscalationStore
	carrier     telco.Provider
	realtime    voiceai.Controller
	transcripts *transcript.Assembler
	barriers    *Barriers
	watchdog    *Watchdog
	lifecycle   *Lifecycle
	metrics     *observe.Metrics
	stats       *observe.Stats
	failures    *observe.FailureLog
	breakers    *resilience.Group

	acceptPolicy resilience.RetryPolicy
	attachPolicy resilience.RetryPolicy

	// legRoutes maps auxiliary leg SIDs (agent SIP leg, human leg) to their
	// call, so status callbacks for those legs never masquerade as the
	// caller's.
	legMu     sync.Mutex
	legRoutes map[string]legRoute
}

type legRoute struct {
	conferenceName string
	label          string
}

// NewEngine wires an engine from its dependencies.
func NewEngine(p Params) *Engine {
	e := &Engine{
		cfg:         p.Config,
		sessions:    p.Sessions,
		registry:    p.Registry,
		callLogs:    p.CallLogs,
		escalations: p.Escalations,
		carrier:     p.Carrier,
		realtime:    p.Realtime,
		transcripts: p.Transcripts,
		barriers:    p.Barriers,
		watchdog:    p.Watchdog,
		lifecycle:   p.Lifecycle,
		metrics:     p.Metrics,
		stats:       p.Stats,
		failures:    p.Failures,
		breakers:    p.Breakers,
		legRoutes:   make(map[string]legRoute),
	}

	// The realtime service returns 404 while the SIP invite is still being
	// indexed; nothing else is worth retrying.
	e.acceptPolicy = resilience.RetryPolicy{
		MaxAttempts: 8,
		Initial:     200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Jitter:      100 * time.Millisecond,
		RetryIf: func(err error) bool {
			code, ok := voiceai.HTTPStatus(err)
			return ok && code == 404
		},
	}
	if p.AcceptPolicy != nil {
		retryIf := e.acceptPolicy.RetryIf
		e.acceptPolicy = *p.AcceptPolicy
		if e.acceptPolicy.RetryIf == nil {
			e.acceptPolicy.RetryIf = retryIf
		}
	}

	e.attachPolicy = resilience.RetryPolicy{
		MaxAttempts: 3,
		Initial:     500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Jitter:      200 * time.Millisecond,
	}
	if p.AttachPolicy != nil {
		e.attachPolicy = *p.AttachPolicy
	}
	return e
}

// HandleIncomingCall is step A: register the call, create its log shell, arm
// the caller-ready barrier, kick off the agent-leg attach, and answer with
// the mixer TwiML. The TwiML must go back before anything slow happens.
func (e *Engine) HandleIncomingCall(ctx context.Context, in telco.IncomingCall) (telco.Response, error) {
	log := observe.Logger(ctx)
	conferenceName := "conf_" + in.CallSID

	agent := e.cfg.AgentForDialedNumber(in.To)
	slug := config.DefaultAgentSlug
	voice := ""
	if agent != nil {
		slug = agent.Slug
		voice = agent.Voice
	}

	log.Info("call: incoming call",
		"conference_name", conferenceName,
		"caller", observe.RedactNumber(in.From),
		"dialed", in.To,
		"agent", slug,
	)

	sess := &session.Session{
		ConferenceName: conferenceName,
		CarrierLegID:   in.CallSID,
		CallerE164:     in.From,
		DialedE164:     in.To,
		CallToken:      in.CallToken,
		AgentSlug:      slug,
		State:          session.StateInitializing,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		// Carriers redeliver webhooks; answering a known call identically is
		// harmless, double-starting the attach is not.
		if existing, _ := e.sessions.Get(ctx, conferenceName); existing != nil {
			log.Warn("call: duplicate incoming-call webhook", "conference_name", conferenceName)
			return e.answerDocument(conferenceName, voice), nil
		}
		return telco.Response{}, fmt.Errorf("call: register session %s: %w", conferenceName, err)
	}

	shell := &store.CallLog{
		ConferenceName:  conferenceName,
		CarrierLegSID:   in.CallSID,
		CallerE164:      in.From,
		DialedE164:      in.To,
		AgentSlug:       slug,
		Direction:       string(in.Direction),
		StartTime:       time.Now().UTC(),
		Status:          store.CallInProgress,
		CostIsEstimated: true,
	}
	if cl, err := e.callLogs.FindOrCreate(ctx, shell); err != nil {
		// The accept path retries this in its background task.
		log.Error("call: call log shell create failed",
			"conference_name", conferenceName, "error", err)
	} else {
		if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
			CallLogID: session.Int64(cl.ID),
		}); err != nil {
			log.Warn("call: adopting call log id failed",
				"conference_name", conferenceName, "error", err)
		}
	}

	e.barriers.Create(conferenceName, BarrierCallerReady)
	if e.metrics != nil {
		e.metrics.RecordCallStarted(ctx, slug)
	}
	if e.stats != nil {
		e.stats.CallStarted()
	}

	go e.attachAgentLeg(context.WithoutCancel(ctx), conferenceName, in, slug)

	return e.answerDocument(conferenceName, voice), nil
}

// answerDocument builds the TwiML that parks the caller in the mixer.
func (e *Engine) answerDocument(conferenceName, voice string) telco.Response {
	return telco.AnswerDocument(telco.AnswerParams{
		HoldPhrase:           holdPhrase,
		Voice:                voice,
		ConferenceName:       conferenceName,
		EventsCallbackURL:    e.callbackURL("/webhooks/carrier/conference-events"),
		RecordingCallbackURL: e.callbackURL("/webhooks/carrier/recording-status"),
	})
}

// attachAgentLeg is step B: dial the realtime SIP endpoint into the mixer.
// The watchdog is armed before the request so a lost invite cannot strand
// the caller.
func (e *Engine) attachAgentLeg(ctx context.Context, conferenceName string, in telco.IncomingCall, slug string) {
	log := observe.Logger(ctx)
	e.watchdog.Arm(ctx, conferenceName, in.CallSID)

	req := telco.ParticipantRequest{
		ConferenceName:    conferenceName,
		From:              e.cfg.Carrier.VerifiedDID,
		To:                e.agentSIPURI(conferenceName, in.From, slug),
		Label:             telco.LabelAgent,
		EarlyMedia:        true,
		CallToken:         in.CallToken,
		StatusCallbackURL: e.callbackURL("/webhooks/carrier/status-callback"),
		TimeoutSeconds:    30,
	}

	var part *telco.Participant
	err := e.attachPolicy.Do(ctx, func(ctx context.Context) error {
		return e.breakers.Get(resilience.DepCarrier).Execute(func() error {
			p, err := e.carrier.AddParticipant(ctx, req)
			if err != nil {
				return err
			}
			part = p
			return nil
		})
	})
	if err != nil {
		log.Error("call: agent leg attach failed",
			"conference_name", conferenceName, "error", err)
		if e.failures != nil {
			e.failures.Record(ctx, conferenceName, "attach", err.Error())
		}
		// The armed watchdog escalates to the human fallback on schedule.
		if _, uerr := e.sessions.Upsert(ctx, conferenceName, session.Patch{
			LastError: session.String("agent leg attach failed: " + err.Error()),
		}); uerr != nil {
			log.Warn("call: recording attach error failed",
				"conference_name", conferenceName, "error", uerr)
		}
		return
	}

	e.routeLeg(part.CallSID, conferenceName, telco.LabelAgent)
	e.watchdog.NoteAgentLeg(conferenceName, part.CallSID)
	log.Info("call: agent leg dialing",
		"conference_name", conferenceName,
		"agent_leg_sid", part.CallSID,
	)
}

// agentSIPURI builds the realtime SIP address with the correlation headers
// the realtime webhook echoes back.
func (e *Engine) agentSIPURI(conferenceName, callerE164, slug string) string {
	domain := e.cfg.Realtime.SIPDomain
	if domain == "" {
		domain = defaultSIPDomain
	}
	var b strings.Builder
	fmt.Fprintf(&b, "sip:%s@%s", e.cfg.Realtime.ProjectID, domain)
	fmt.Fprintf(&b, "?X-conferenceName=%s", url.QueryEscape(conferenceName))
	fmt.Fprintf(&b, "&X-CallerPhone=%s", url.QueryEscape(callerE164))
	fmt.Fprintf(&b, "&X-Environment=%s", url.QueryEscape(string(e.cfg.Server.Environment)))
	if slug != "" && slug != config.DefaultAgentSlug {
		fmt.Fprintf(&b, "&X-agentSlug=%s", url.QueryEscape(slug))
	}
	return b.String()
}

func (e *Engine) callbackURL(path string) string {
	return strings.TrimSuffix(e.cfg.Server.PublicURL, "/") + path
}

// humanFallbackDoc builds the TwiML that apologises and dials the on-call
// human directly. The watchdog shares it via [FallbackDocFunc].
func (e *Engine) humanFallbackDoc(conferenceName string) telco.Response {
	voice := ""
	if sess, _ := e.sessions.Get(context.Background(), conferenceName); sess != nil {
		if agent := e.cfg.AgentBySlug(sess.AgentSlug); agent != nil {
			voice = agent.Voice
		}
	}
	return telco.HumanFallbackDocument(telco.FallbackParams{
		Apology:     "I'm sorry for the wait. Connecting you to our on-call staff now.",
		Voice:       voice,
		HumanNumber: e.cfg.Carrier.HumanAgentE164,
		CallerID:    e.cfg.Carrier.VerifiedDID,
	})
}

// HumanFallbackDoc exposes the fallback document builder for watchdog wiring.
func (e *Engine) HumanFallbackDoc(conferenceName string) telco.Response {
	return e.humanFallbackDoc(conferenceName)
}

// routeLeg remembers which call an auxiliary leg belongs to.
func (e *Engine) routeLeg(legSID, conferenceName, label string) {
	if legSID == "" {
		return
	}
	e.legMu.Lock()
	e.legRoutes[legSID] = legRoute{conferenceName: conferenceName, label: label}
	e.legMu.Unlock()
}

func (e *Engine) lookupLeg(legSID string) (legRoute, bool) {
	e.legMu.Lock()
	defer e.legMu.Unlock()
	r, ok := e.legRoutes[legSID]
	return r, ok
}

func (e *Engine) unrouteLeg(legSID string) {
	e.legMu.Lock()
	delete(e.legRoutes, legSID)
	e.legMu.Unlock()
}

// HandleConferenceEvent routes one mixer lifecycle callback.
func (e *Engine) HandleConferenceEvent(ctx context.Context, ev telco.ConferenceEvent) error {
	log := observe.Logger(ctx)

	switch ev.Kind {
	case telco.ConferenceStart:
		if ev.MixerSID == "" {
			return nil
		}
		if err := e.registry.MergeIdentifier(ctx, ev.ConferenceName, ident.KindMixer, ev.MixerSID); err != nil {
			log.Warn("call: mixer id bind rejected",
				"conference_name", ev.ConferenceName, "error", err)
		}
		sess, err := e.sessions.Get(ctx, ev.ConferenceName)
		if err != nil || sess == nil {
			return err
		}
		if _, err := e.sessions.Upsert(ctx, ev.ConferenceName, session.Patch{
			MixerID: session.String(ev.MixerSID),
		}); err != nil {
			log.Warn("call: mixer id session update failed",
				"conference_name", ev.ConferenceName, "error", err)
		}
		if sess.CallLogID != 0 {
			if err := e.callLogs.SetIdentifiers(ctx, sess.CallLogID, sess.RealtimeCallID, ev.MixerSID); err != nil {
				log.Warn("call: mixer id call log update failed",
					"conference_name", ev.ConferenceName, "error", err)
			}
		}

	case telco.ParticipantJoin:
		switch ev.ParticipantLabel {
		case telco.LabelCaller:
			e.barriers.Resolve(ctx, ev.ConferenceName, BarrierCallerReady)
		case telco.LabelHuman:
			e.barriers.Resolve(ctx, ev.ConferenceName, BarrierHumanAnswered)
		default:
			log.Debug("call: participant joined",
				"conference_name", ev.ConferenceName,
				"label", ev.ParticipantLabel,
			)
		}

	case telco.ParticipantLeave:
		if ev.ParticipantLabel == telco.LabelCaller {
			e.lifecycle.EndCall(ctx, ev.ConferenceName, EndSignal{
				Source:      SourceParticipantLeave,
				Disposition: store.DispositionCompleted,
			})
		}

	case telco.ConferenceEnd:
		e.lifecycle.EndCall(ctx, ev.ConferenceName, EndSignal{
			Source:      SourceConferenceEnd,
			Disposition: store.DispositionCompleted,
		})
	}
	return nil
}

// HandleStatusCallback routes one per-leg status callback. The caller leg's
// terminal callback is a termination source; auxiliary legs only feed the
// human-answered barrier.
func (e *Engine) HandleStatusCallback(ctx context.Context, cb telco.StatusCallback) error {
	log := observe.Logger(ctx)

	if route, ok := e.lookupLeg(cb.CallSID); ok {
		switch {
		case route.label == telco.LabelHuman && cb.Status.IsAnswered():
			e.barriers.Resolve(ctx, route.conferenceName, BarrierHumanAnswered)
		case cb.Status.IsTerminal():
			// An ending agent or human leg never ends the call by itself;
			// the caller's own leg or the mixer reports that.
			e.unrouteLeg(cb.CallSID)
			log.Debug("call: auxiliary leg ended",
				"conference_name", route.conferenceName,
				"label", route.label,
				"status", string(cb.Status),
			)
		}
		return nil
	}

	sess, err := e.registry.Resolve(ctx, ident.KindCarrierLeg, cb.CallSID)
	if err != nil {
		return fmt.Errorf("call: resolve status callback leg: %w", err)
	}
	if sess == nil {
		log.Debug("call: status callback for unknown leg", "leg_sid", cb.CallSID)
		return nil
	}
	if !cb.Status.IsTerminal() {
		return nil
	}

	e.lifecycle.EndCall(ctx, sess.ConferenceName, EndSignal{
		Source:          SourceStatusCallback,
		Disposition:     dispositionForStatus(cb.Status),
		DurationSeconds: cb.Duration,
		AnsweredBy:      cb.AnsweredBy,
	})
	return nil
}

// HandleRecordingStatus attaches a finished recording to its call log.
func (e *Engine) HandleRecordingStatus(ctx context.Context, rs telco.RecordingStatus) error {
	if rs.Status != "completed" || rs.URL == "" {
		return nil
	}
	if err := e.callLogs.SetRecording(ctx, rs.MixerSID, rs.URL); err != nil {
		return fmt.Errorf("call: record recording url: %w", err)
	}
	return nil
}

// dispositionForStatus maps a terminal carrier status to a disposition.
func dispositionForStatus(s telco.CallStatus) store.Disposition {
	switch s {
	case telco.StatusBusy:
		return store.DispositionBusy
	case telco.StatusNoAnswer:
		return store.DispositionNoAnswer
	case telco.StatusFailed, telco.StatusCanceled:
		return store.DispositionFailed
	default:
		return store.DispositionCompleted
	}
}
