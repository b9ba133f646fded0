// Package postcall finalizes finished calls: carrier reconciliation, cost
// recomputation, transcript finalization, grading, and the ticket push. Each
// step is isolated so one failing dependency does not starve the others.
package postcall

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/careline/nightbridge/internal/call"
	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/grade"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/resilience"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/internal/ticket"
	"github.com/careline/nightbridge/pkg/telco"
)

// defaultAgentCentsPerMinute is the realtime-service rate applied when the
// config leaves it unset.
const defaultAgentCentsPerMinute = 19

// CallLogStore is the slice of the call-log repository the pipeline uses.
type CallLogStore interface {
	Get(ctx context.Context, id int64) (*store.CallLog, error)
	Transcript(ctx context.Context, id int64) (string, error)
	SetReconciled(ctx context.Context, id int64, durationSeconds, carrierCents, agentCents int, answeredBy string) error
	SetGrade(ctx context.Context, id int64, score float32, sentiment, outcome string) error
}

var _ CallLogStore = (*store.CallLogRepo)(nil)

// Grader scores a finished transcript. *grade.Grader implements it.
type Grader interface {
	Grade(ctx context.Context, transcript string) (*grade.Result, error)
}

// TicketPusher delivers the call bundle. *ticket.Client implements it.
type TicketPusher interface {
	Enabled() bool
	Push(ctx context.Context, b ticket.Bundle) error
}

// Timings parameterize the pipeline's waits. Tests shrink them.
type Timings struct {
	// InitialWaitMin/Max bound the random settle wait before the first
	// carrier fetch; the carrier needs a moment to finalize the leg.
	InitialWaitMin time.Duration
	InitialWaitMax time.Duration

	// ReconcileRetries are the additional waits before each re-fetch when
	// the carrier record is not ready yet.
	ReconcileRetries []time.Duration

	// TranscriptPollInterval and TranscriptPollBudget bound the wait for
	// late transcript fragments still in flight when the call ended.
	TranscriptPollInterval time.Duration
	TranscriptPollBudget   time.Duration
}

// DefaultTimings returns the production schedule.
func DefaultTimings() Timings {
	return Timings{
		InitialWaitMin:         2 * time.Second,
		InitialWaitMax:         5 * time.Second,
		ReconcileRetries:       []time.Duration{15 * time.Second, 45 * time.Second, 120 * time.Second},
		TranscriptPollInterval: 2 * time.Second,
		TranscriptPollBudget:   15 * time.Second,
	}
}

// Params collects the pipeline's dependencies. Grader, Tickets, Metrics, and
// Breakers may be nil; nil Grader skips grading, nil Tickets skips pushes.
type Params struct {
	Config   *config.Config
	CallLogs CallLogStore
	Carrier  telco.Provider
	Grader   Grader
	Tickets  TicketPusher
	Metrics  *observe.Metrics
	Breakers *resilience.Group
	Timings  Timings
}

// Pipeline runs the post-call steps for one ended call at a time. It is safe
// for concurrent use; every call gets its own Run invocation.
type Pipeline struct {
	cfg      *config.Config
	callLogs CallLogStore
	carrier  telco.Provider
	grader   Grader
	tickets  TicketPusher
	metrics  *observe.Metrics
	breakers *resilience.Group
	timings  Timings
}

// New creates a Pipeline.
func New(p Params) *Pipeline {
	if p.Timings.TranscriptPollInterval <= 0 {
		p.Timings = DefaultTimings()
	}
	if p.Breakers == nil {
		p.Breakers = resilience.NewGroup()
	}
	return &Pipeline{
		cfg:      p.Config,
		callLogs: p.CallLogs,
		carrier:  p.Carrier,
		grader:   p.Grader,
		tickets:  p.Tickets,
		metrics:  p.Metrics,
		breakers: p.Breakers,
		timings:  p.Timings,
	}
}

// Finalizer adapts the pipeline to the lifecycle's hand-off signature. The
// returned function detaches from the caller's goroutine budget; Run blocks
// for up to a few minutes while the carrier settles.
func (p *Pipeline) Finalizer() call.Finalizer {
	return func(sess *session.Session, sig call.EndSignal) {
		p.Run(context.Background(), sess, sig)
	}
}

// Run executes the pipeline for one ended call. Step failures are logged and
// the remaining steps still run.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, sig call.EndSignal) {
	log := observe.Logger(ctx)
	if sess == nil || sess.CallLogID == 0 {
		log.Warn("postcall: ended call has no call log, skipping pipeline")
		return
	}
	log = log.With("conference_name", sess.ConferenceName, "call_log_id", sess.CallLogID)
	log.Info("postcall: pipeline started", "source", sig.Source)

	duration, carrierCents, reconciled := p.reconcile(ctx, sess, sig)
	if reconciled {
		agentCents := p.agentCost(duration)
		if err := p.callLogs.SetReconciled(ctx, sess.CallLogID, duration, carrierCents, agentCents, sig.AnsweredBy); err != nil {
			log.Error("postcall: writing reconciled duration and costs failed", "error", err)
		} else {
			log.Info("postcall: reconciled",
				"duration_seconds", duration,
				"carrier_cost_cents", carrierCents,
				"agent_cost_cents", agentCents,
			)
		}
	} else {
		log.Warn("postcall: carrier record never settled, costs stay estimated")
	}

	transcript := p.finalTranscript(ctx, sess.CallLogID)

	if p.grader != nil && len(transcript) > grade.MinTranscriptLength {
		if res, err := p.grader.Grade(ctx, transcript); err != nil {
			log.Warn("postcall: grading failed", "error", err)
		} else if err := p.callLogs.SetGrade(ctx, sess.CallLogID, res.QualityScore, res.PatientSentiment, res.Outcome); err != nil {
			log.Error("postcall: storing grade failed", "error", err)
		}
	}

	p.pushTicket(ctx, sess, transcript)
	log.Info("postcall: pipeline finished")
}

// reconcile fetches the carrier's finalized leg record. The carrier keeps
// returning a zero duration until billing closes the leg, hence the delayed
// re-fetches. A terminal status callback's duration is the fallback when the
// fetch never settles.
func (p *Pipeline) reconcile(ctx context.Context, sess *session.Session, sig call.EndSignal) (durationSeconds, carrierCents int, ok bool) {
	log := observe.Logger(ctx)

	if sess.CarrierLegID == "" || p.carrier == nil {
		if sig.DurationSeconds > 0 {
			return sig.DurationSeconds, 0, true
		}
		return 0, 0, false
	}

	waits := make([]time.Duration, 0, len(p.timings.ReconcileRetries)+1)
	waits = append(waits, p.initialWait())
	waits = append(waits, p.timings.ReconcileRetries...)

	for _, wait := range waits {
		if !sleepCtx(ctx, wait) {
			break
		}
		var rec *telco.CallRecord
		err := p.breakers.Get(resilience.DepCarrier).Execute(func() error {
			var ferr error
			rec, ferr = p.carrier.FetchCall(ctx, sess.CarrierLegID)
			return ferr
		})
		if err != nil {
			log.Warn("postcall: carrier fetch failed",
				"carrier_leg_id", sess.CarrierLegID, "error", err)
			continue
		}
		if rec == nil || rec.Duration == 0 {
			continue
		}
		cents, settled := rec.CostCents()
		if !settled {
			cents = 0
		}
		return rec.Duration, cents, true
	}

	if sig.DurationSeconds > 0 {
		return sig.DurationSeconds, 0, true
	}
	return 0, 0, false
}

// agentCost prices the realtime side: whole minutes, rounded up.
func (p *Pipeline) agentCost(durationSeconds int) int {
	rate := defaultAgentCentsPerMinute
	if p.cfg != nil && p.cfg.Costs.AgentCentsPerMinute > 0 {
		rate = p.cfg.Costs.AgentCentsPerMinute
	}
	minutes := (durationSeconds + 59) / 60
	return minutes * rate
}

// finalTranscript waits out transcript fragments still being appended when
// the call ended. It keeps the longest snapshot seen and stops early once a
// non-empty transcript holds still for one poll.
func (p *Pipeline) finalTranscript(ctx context.Context, callLogID int64) string {
	log := observe.Logger(ctx)
	var best, prev string
	deadline := time.Now().Add(p.timings.TranscriptPollBudget)

	for {
		text, err := p.callLogs.Transcript(ctx, callLogID)
		if err != nil {
			log.Warn("postcall: transcript read failed", "call_log_id", callLogID, "error", err)
		} else {
			if len(text) > len(best) {
				best = text
			}
			if text != "" && text == prev {
				break
			}
			prev = text
		}
		if time.Now().After(deadline) {
			break
		}
		if !sleepCtx(ctx, p.timings.TranscriptPollInterval) {
			break
		}
	}
	return best
}

// pushTicket delivers the bundle when every gate holds: a ticket was opened
// during the call, the transcript is substantial, and the handling agent is
// in the ticket-creating roster.
func (p *Pipeline) pushTicket(ctx context.Context, sess *session.Session, transcript string) {
	log := observe.Logger(ctx)
	if p.tickets == nil || !p.tickets.Enabled() {
		return
	}

	cl, err := p.callLogs.Get(ctx, sess.CallLogID)
	if err != nil {
		log.Error("postcall: loading call log for ticket push failed", "error", err)
		return
	}
	if cl == nil || cl.TicketNumber == "" {
		log.Debug("postcall: no ticket opened during call, nothing to push")
		return
	}
	if len(transcript) <= grade.MinTranscriptLength {
		log.Debug("postcall: transcript too short for ticket push",
			"ticket_number", cl.TicketNumber, "len", len(transcript))
		return
	}
	agent := p.cfg.AgentBySlug(cl.AgentSlug)
	if agent == nil || !agent.CreatesTickets {
		log.Debug("postcall: agent not in ticket-creating roster",
			"agent_slug", cl.AgentSlug, "ticket_number", cl.TicketNumber)
		return
	}

	bundle := ticket.Bundle{
		TicketNumber:       cl.TicketNumber,
		ConferenceName:     cl.ConferenceName,
		Transcript:         transcript,
		RecordingURL:       cl.RecordingURL,
		DurationSeconds:    cl.DurationSeconds,
		CarrierCostCents:   cl.CarrierCostCents,
		AgentCostCents:     cl.AgentCostCents,
		TotalCostCents:     cl.TotalCostCents,
		TransferredToHuman: cl.TransferredToHuman,
		QualityScore:       cl.QualityScore,
		PatientSentiment:   cl.PatientSentiment,
		AgentOutcome:       cl.AgentOutcome,
	}
	err = p.breakers.Get(resilience.DepTicketing).Execute(func() error {
		return p.tickets.Push(ctx, bundle)
	})
	if err != nil {
		log.Error("postcall: ticket push failed",
			"ticket_number", cl.TicketNumber, "error", err)
		if p.metrics != nil {
			p.metrics.RecordTicketPush(ctx, "error")
		}
		return
	}
	log.Info("postcall: ticket bundle pushed", "ticket_number", cl.TicketNumber)
	if p.metrics != nil {
		p.metrics.RecordTicketPush(ctx, "ok")
	}
}

// initialWait picks a uniform wait inside the configured settle window.
func (p *Pipeline) initialWait() time.Duration {
	min, max := p.timings.InitialWaitMin, p.timings.InitialWaitMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

// sleepCtx blocks for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
