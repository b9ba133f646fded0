package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/internal/transcript"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/voiceai"
)

// superviseCall owns the live call: one goroutine pumps server events, one
// runs the barrier waits and greeting. The group dies with the stream, a
// fatal realtime error, the lifecycle's terminal transition, or the hard
// call cap, whichever comes first.
func (e *Engine) superviseCall(base context.Context, conferenceName, callID string, stream voiceai.EventStream, agent *config.AgentConfig, acceptStart time.Time) {
	log := observe.Logger(base)

	ctx, cancel := context.WithTimeout(base, HardCallCap)
	defer cancel()
	e.lifecycle.Supervise(conferenceName, cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.pumpEvents(gctx, conferenceName, callID, stream, agent)
	})
	g.Go(func() error {
		return e.greetWhenReady(gctx, conferenceName, stream, agent, acceptStart)
	})

	err := g.Wait()
	_ = stream.Close()
	if sess, _ := e.sessions.Get(base, conferenceName); sess != nil && sess.CallLogID != 0 {
		e.transcripts.Finish(sess.CallLogID)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		// Clean stream close, or the lifecycle already tore us down. Either
		// way a duplicate EndCall is dropped by the guard.
		e.lifecycle.EndCall(base, conferenceName, EndSignal{
			Source:      SourceRealtimeDisconnect,
			Disposition: store.DispositionCompleted,
		})
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("call: hard cap reached", "conference_name", conferenceName)
		e.lifecycle.EndCall(base, conferenceName, EndSignal{
			Source:      SourceWatchdog,
			Disposition: store.DispositionTimeout,
		})
	default:
		log.Error("call: supervision ended with error",
			"conference_name", conferenceName, "error", err)
		if e.failures != nil {
			e.failures.Record(base, conferenceName, "stream", err.Error())
		}
		e.lifecycle.EndCall(base, conferenceName, EndSignal{
			Source:      SourceRealtimeError,
			Disposition: store.DispositionFailed,
		})
	}
}

// greetWhenReady holds the greeting until both sides are confirmed: the
// model session over the event stream, the caller in the mixer. Either wait
// timing out degrades with a warning; the greeting goes out regardless,
// because a silent agent is the one unrecoverable experience.
func (e *Engine) greetWhenReady(ctx context.Context, conferenceName string, stream voiceai.EventStream, agent *config.AgentConfig, acceptStart time.Time) error {
	log := observe.Logger(ctx)

	if err := e.barriers.Await(ctx, conferenceName, BarrierSessionReady, SessionReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("call: greeting without session confirmation",
			"conference_name", conferenceName, "error", err)
	}
	if err := e.barriers.Await(ctx, conferenceName, BarrierCallerReady, CallerReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("call: greeting without caller confirmation",
			"conference_name", conferenceName, "error", err)
	}

	if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
		State:                      session.StatePtr(session.StateConnected),
		RealtimeSessionEstablished: session.Bool(true),
	}); err != nil {
		log.Warn("call: connected transition failed",
			"conference_name", conferenceName, "error", err)
	}

	elapsed := time.Since(acceptStart)
	if e.metrics != nil {
		e.metrics.AcceptDuration.Record(ctx, elapsed.Seconds())
	}
	if e.stats != nil {
		e.stats.AcceptLatency(elapsed)
	}

	greeting := ""
	if agent != nil {
		greeting = agent.Greeting
	}
	if greeting == "" {
		greeting = "Greet the caller, explain you are the practice's after-hours assistant, and ask how you can help."
	}
	if err := stream.CreateResponse(greeting); err != nil {
		return fmt.Errorf("call: request greeting: %w", err)
	}
	log.Info("call: greeting requested",
		"conference_name", conferenceName,
		"handshake", elapsed,
	)
	return nil
}

// pumpEvents consumes the server event stream until it closes or a fatal
// error arrives. In-band errors on the allow-list are logged and swallowed.
// Session creation triggers the full reconfiguration push; only the
// service's confirmation of that push marks the session ready, so the
// greeting never fires against a half-configured agent.
func (e *Engine) pumpEvents(ctx context.Context, conferenceName, callID string, stream voiceai.EventStream, agent *config.AgentConfig) error {
	log := observe.Logger(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("call: event stream: %w", err)
				}
				return nil
			}
			switch ev := ev.(type) {
			case voiceai.SessionCreated:
				log.Debug("call: session created, pushing configuration",
					"conference_name", conferenceName, "session_id", ev.SessionID)
				if err := stream.UpdateSession(e.sessionConfig(agent)); err != nil {
					return fmt.Errorf("call: reconfigure session: %w", err)
				}

			case voiceai.SessionUpdated:
				e.barriers.Resolve(ctx, conferenceName, BarrierSessionReady)

			case voiceai.ResponseDone:
				log.Debug("call: response done",
					"conference_name", conferenceName, "status", ev.Status)

			case voiceai.CallerTranscript:
				e.appendTranscript(ctx, conferenceName, transcript.SpeakerPatient, ev.Text)

			case voiceai.AgentTranscript:
				e.appendTranscript(ctx, conferenceName, transcript.SpeakerAgent, ev.Text)

			case voiceai.ToolCall:
				e.handleToolCall(ctx, conferenceName, callID, stream, ev)

			case voiceai.ServerError:
				if voiceai.NonFatalErrorCodes[ev.Code] {
					log.Warn("call: non-fatal realtime error",
						"conference_name", conferenceName,
						"code", ev.Code,
						"message", ev.Message,
					)
					continue
				}
				return fmt.Errorf("call: realtime error %s: %s", ev.Code, ev.Message)
			}
		}
	}
}

// appendTranscript feeds one finalized line into the transcript assembler.
func (e *Engine) appendTranscript(ctx context.Context, conferenceName, speaker, text string) {
	sess, err := e.sessions.Get(ctx, conferenceName)
	if err != nil || sess == nil {
		return
	}
	if err := e.transcripts.Append(ctx, sess.CallLogID, speaker, text); err != nil {
		observe.Logger(ctx).Warn("call: transcript append failed",
			"conference_name", conferenceName, "error", err)
	}
}

// handleToolCall dispatches one model tool invocation.
func (e *Engine) handleToolCall(ctx context.Context, conferenceName, callID string, stream voiceai.EventStream, ev voiceai.ToolCall) {
	log := observe.Logger(ctx)

	switch ev.Name {
	case ToolTransferToHuman:
		e.startHumanTransfer(ctx, conferenceName, callID, stream, ev)

	case ToolRecordTicket:
		var args struct {
			TicketNumber string `json:"ticket_number"`
		}
		if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil || args.TicketNumber == "" {
			_ = stream.SubmitToolOutput(ev.CallID, `{"error":"ticket_number is required"}`)
			return
		}
		sess, _ := e.sessions.Get(ctx, conferenceName)
		if sess == nil || sess.CallLogID == 0 {
			_ = stream.SubmitToolOutput(ev.CallID, `{"error":"call record not ready, try again"}`)
			return
		}
		if err := e.callLogs.SetTicketNumber(ctx, sess.CallLogID, args.TicketNumber); err != nil {
			log.Error("call: ticket number write failed",
				"conference_name", conferenceName, "error", err)
			_ = stream.SubmitToolOutput(ev.CallID, `{"error":"could not record the ticket number"}`)
			return
		}
		log.Info("call: ticket number recorded",
			"conference_name", conferenceName,
			"ticket_number", args.TicketNumber,
		)
		_ = stream.SubmitToolOutput(ev.CallID, `{"status":"recorded"}`)

	default:
		log.Warn("call: unknown tool invoked",
			"conference_name", conferenceName, "tool", ev.Name)
		_ = stream.SubmitToolOutput(ev.CallID, `{"error":"unknown tool"}`)
	}
}

// startHumanTransfer handles the transfer tool: persist the escalation
// detail, create the human-answered barrier, dial the on-call human into the
// mixer, and watch for the answer off to the side so the conversation can
// continue meanwhile.
func (e *Engine) startHumanTransfer(ctx context.Context, conferenceName, callID string, stream voiceai.EventStream, ev voiceai.ToolCall) {
	log := observe.Logger(ctx)

	var args struct {
		Reason         string `json:"reason"`
		CallerType     string `json:"caller_type"`
		PatientName    string `json:"patient_name"`
		Symptoms       string `json:"symptoms"`
		CallbackNumber string `json:"callback_number"`
	}
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
		log.Warn("call: malformed transfer arguments",
			"conference_name", conferenceName, "error", err)
	}

	if e.escalations != nil {
		if err := e.escalations.Put(ctx, &store.EscalationDetail{
			RealtimeCallID: callID,
			Reason:         args.Reason,
			CallerType:     args.CallerType,
			PatientName:    args.PatientName,
			Symptoms:       args.Symptoms,
			CallbackE164:   args.CallbackNumber,
		}); err != nil {
			log.Warn("call: escalation detail write failed",
				"conference_name", conferenceName, "error", err)
		}
	}

	if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
		HumanTransferInitiated: session.Bool(true),
	}); err != nil {
		log.Warn("call: transfer-initiated update failed",
			"conference_name", conferenceName, "error", err)
	}

	e.barriers.Create(conferenceName, BarrierHumanAnswered)

	sess, _ := e.sessions.Get(ctx, conferenceName)
	req := telco.ParticipantRequest{
		ConferenceName:    conferenceName,
		From:              e.cfg.Carrier.VerifiedDID,
		To:                e.cfg.Carrier.HumanAgentE164,
		Label:             telco.LabelHuman,
		StatusCallbackURL: e.callbackURL("/webhooks/carrier/status-callback"),
		TimeoutSeconds:    40,
	}
	if sess != nil {
		req.CallToken = sess.CallToken
	}

	part, err := e.carrier.AddParticipant(ctx, req)
	if err != nil {
		log.Error("call: dialing on-call human failed",
			"conference_name", conferenceName, "error", err)
		if e.failures != nil {
			e.failures.Record(ctx, conferenceName, "human-transfer", err.Error())
		}
		_ = stream.SubmitToolOutput(ev.CallID,
			`{"error":"could not reach the on-call line, keep helping the caller"}`)
		return
	}
	e.routeLeg(part.CallSID, conferenceName, telco.LabelHuman)

	_ = stream.SubmitToolOutput(ev.CallID,
		`{"status":"dialing","message":"The on-call staff member is being connected. Let the caller know and stay with them until the line picks up."}`)

	go e.completeHumanTransfer(context.WithoutCancel(ctx), conferenceName, callID, part.CallSID)
}

// completeHumanTransfer waits for the human to answer. On answer the
// transfer latch is set and the AI leg hangs up; on timeout the human leg is
// abandoned and the AI keeps the caller.
func (e *Engine) completeHumanTransfer(ctx context.Context, conferenceName, callID, humanLegSID string) {
	log := observe.Logger(ctx)

	if err := e.barriers.Await(ctx, conferenceName, BarrierHumanAnswered, HumanAnswerTimeout); err != nil {
		log.Warn("call: on-call human did not answer, AI keeps the call",
			"conference_name", conferenceName, "error", err)
		e.unrouteLeg(humanLegSID)
		if herr := e.carrier.HangupCall(ctx, humanLegSID); herr != nil {
			log.Debug("call: abandoning human leg failed",
				"conference_name", conferenceName, "error", herr)
		}
		return
	}

	sess, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
		State:              session.StatePtr(session.StateTransferring),
		TransferredToHuman: session.Bool(true),
	})
	if err != nil {
		log.Warn("call: transfer latch update failed",
			"conference_name", conferenceName, "error", err)
	}
	if e.metrics != nil {
		e.metrics.TransfersToHuman.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("cause", "escalation")))
	}
	if e.stats != nil {
		e.stats.TransferredToHuman()
	}

	if sess != nil && sess.CallLogID != 0 {
		if err := e.callLogs.SetTransferred(ctx, sess.CallLogID); err != nil {
			log.Warn("call: transfer flag write failed",
				"conference_name", conferenceName, "error", err)
		}
		if e.escalations != nil {
			if detail, terr := e.escalations.Take(ctx, callID); terr == nil && detail != nil && detail.Reason != "" {
				if serr := e.callLogs.SetSummary(ctx, sess.CallLogID,
					"transferred to on-call human: "+detail.Reason); serr != nil {
					log.Debug("call: transfer summary write failed",
						"conference_name", conferenceName, "error", serr)
				}
			}
		}
	}

	log.Info("call: human answered, releasing AI leg", "conference_name", conferenceName)
	if err := e.realtime.HangupCall(ctx, callID); err != nil {
		log.Warn("call: AI leg hangup failed",
			"conference_name", conferenceName, "error", err)
	}
}
