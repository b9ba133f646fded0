package call

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/ident"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/pkg/voiceai"
)

// Function tools offered to the model on every call.
const (
	ToolTransferToHuman = "transfer_to_human"
	ToolRecordTicket    = "record_ticket_number"
)

// HandleRealtimeEvent routes one verified realtime webhook.
func (e *Engine) HandleRealtimeEvent(ctx context.Context, ev voiceai.WebhookEvent) error {
	log := observe.Logger(ctx)

	switch ev := ev.(type) {
	case voiceai.CallIncoming:
		return e.acceptIncoming(ctx, ev)

	case voiceai.CallDisconnected:
		sess, err := e.registry.Resolve(ctx, ident.KindRealtimeCall, ev.CallID)
		if err != nil {
			return fmt.Errorf("call: resolve disconnected call: %w", err)
		}
		if sess == nil {
			log.Debug("call: disconnect for unknown realtime call", "realtime_call_id", ev.CallID)
			return nil
		}
		e.lifecycle.EndCall(ctx, sess.ConferenceName, EndSignal{
			Source:      SourceRealtimeDisconnect,
			Disposition: store.DispositionCompleted,
		})
		return nil

	case voiceai.UnknownWebhook:
		log.Debug("call: unhandled realtime webhook", "kind", ev.Kind, "event_id", ev.EventID)
		return nil

	default:
		return nil
	}
}

// acceptIncoming is step C: correlate the SIP invite back to its call,
// accept it into a model session with a bounded 404-only retry run, then
// hand the live stream to the per-call supervisor. Exhausting the retry
// budget falls back to the on-call human.
func (e *Engine) acceptIncoming(ctx context.Context, ev voiceai.CallIncoming) error {
	log := observe.Logger(ctx)
	start := time.Now()

	conferenceName := ev.Header("X-conferenceName")
	if conferenceName == "" {
		if e.failures != nil {
			e.failures.Record(ctx, "", "accept", "SIP invite missing X-conferenceName header")
		}
		return fmt.Errorf("call: realtime invite %s carries no conference name", ev.CallID)
	}

	sess, err := e.sessions.Get(ctx, conferenceName)
	if err != nil {
		return fmt.Errorf("call: load session for invite: %w", err)
	}
	if sess == nil {
		if e.failures != nil {
			e.failures.Record(ctx, conferenceName, "accept", "invite for unknown conference")
		}
		return fmt.Errorf("call: realtime invite for unknown conference %s", conferenceName)
	}

	if env := ev.Header("X-Environment"); env != "" && env != string(e.cfg.Server.Environment) {
		log.Warn("call: environment mismatch on SIP invite, proceeding",
			"conference_name", conferenceName,
			"invite_environment", env,
			"local_environment", string(e.cfg.Server.Environment),
		)
	}

	if e.watchdog.Disarm(ctx, conferenceName) && e.metrics != nil {
		e.metrics.AttachDuration.Record(ctx, time.Since(sess.CreatedAt).Seconds())
	}

	if err := e.registry.MergeIdentifier(ctx, conferenceName, ident.KindRealtimeCall, ev.CallID); err != nil {
		log.Warn("call: realtime call id bind rejected",
			"conference_name", conferenceName, "error", err)
	}
	if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
		RealtimeCallID: session.String(ev.CallID),
	}); err != nil {
		log.Warn("call: recording realtime call id failed",
			"conference_name", conferenceName, "error", err)
	}

	// Durable bookkeeping runs off the accept path; the handshake has a
	// caller waiting on hold and never blocks on the database.
	go e.ensureCallLog(context.WithoutCancel(ctx), conferenceName, ev.CallID)

	agent := e.cfg.AgentBySlug(sess.AgentSlug)
	e.barriers.Create(conferenceName, BarrierSessionReady)

	callCfg := e.sessionConfig(agent)
	attempts := 0
	policy := e.acceptPolicy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = attempt
		log.Info("call: accept not ready, retrying",
			"conference_name", conferenceName,
			"attempt", attempt,
			"delay", delay,
		)
		if e.metrics != nil {
			e.metrics.AcceptRetries.Add(ctx, 1)
		}
		if _, uerr := e.sessions.Upsert(ctx, conferenceName, session.Patch{
			RetryCount: session.Int(attempt),
		}); uerr != nil {
			log.Debug("call: retry count update failed",
				"conference_name", conferenceName, "error", uerr)
		}
	}

	err = policy.Do(ctx, func(ctx context.Context) error {
		return e.realtime.AcceptCall(ctx, ev.CallID, callCfg)
	})
	if err != nil {
		log.Error("call: accept exhausted",
			"conference_name", conferenceName,
			"attempts", attempts+1,
			"error", err,
		)
		e.acceptExhausted(ctx, sess, err)
		return nil
	}

	stream, err := e.realtime.OpenEvents(ctx, ev.CallID)
	if err != nil {
		log.Error("call: event stream open failed",
			"conference_name", conferenceName, "error", err)
		e.acceptExhausted(ctx, sess, err)
		return nil
	}

	go e.superviseCall(context.WithoutCancel(ctx), conferenceName, ev.CallID, stream, agent, start)
	return nil
}

// acceptExhausted routes the caller to the on-call human after the accept
// handshake failed for good. A call whose carrier leg cannot even be found
// fails loudly instead of dialing a guessed number.
func (e *Engine) acceptExhausted(ctx context.Context, sess *session.Session, cause error) {
	log := observe.Logger(ctx)
	conferenceName := sess.ConferenceName

	if e.metrics != nil {
		e.metrics.AcceptFailures.Add(ctx, 1)
	}
	if e.stats != nil {
		e.stats.AcceptFailed()
	}
	if e.failures != nil {
		e.failures.Record(ctx, conferenceName, "accept", cause.Error())
	}

	if sess.CarrierLegID == "" {
		log.Error("call: no carrier leg resolvable for human fallback",
			"conference_name", conferenceName)
		if e.metrics != nil {
			e.metrics.FallbackNumberMisses.Add(ctx, 1)
		}
		if e.failures != nil {
			e.failures.Record(ctx, conferenceName, "accept-fallback",
				"carrier leg unknown, cannot redirect caller")
		}
		e.lifecycle.EndCall(ctx, conferenceName, EndSignal{
			Source:      SourceAcceptFailure,
			Disposition: store.DispositionFailed,
		})
		return
	}

	if err := e.carrier.RedirectCall(ctx, sess.CarrierLegID, e.humanFallbackDoc(conferenceName)); err != nil {
		log.Error("call: human fallback redirect failed",
			"conference_name", conferenceName, "error", err)
		e.lifecycle.EndCall(ctx, conferenceName, EndSignal{
			Source:      SourceAcceptFailure,
			Disposition: store.DispositionFailed,
		})
		return
	}

	if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
		State:              session.StatePtr(session.StateTransferring),
		TransferredToHuman: session.Bool(true),
		LastError:          session.String("accept exhausted: " + cause.Error()),
	}); err != nil {
		log.Warn("call: fallback session update failed",
			"conference_name", conferenceName, "error", err)
	}
	if e.metrics != nil {
		e.metrics.TransfersToHuman.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("cause", "accept_exhausted")))
	}
	if e.stats != nil {
		e.stats.TransferredToHuman()
	}
	if sess.CallLogID != 0 {
		if err := e.callLogs.SetTransferred(ctx, sess.CallLogID); err != nil {
			log.Warn("call: transfer flag write failed",
				"conference_name", conferenceName, "error", err)
		}
		if err := e.callLogs.SetSummary(ctx, sess.CallLogID,
			"AI accept failed after retries; caller redirected to on-call human"); err != nil {
			log.Debug("call: summary write failed",
				"conference_name", conferenceName, "error", err)
		}
	}
}

// ensureCallLog is the non-awaited background task of the accept path: make
// sure the call has a durable log row and stamp the realtime identifiers on
// it. The supervisor re-reads the session afterwards and adopts the ID.
func (e *Engine) ensureCallLog(ctx context.Context, conferenceName, realtimeCallID string) {
	log := observe.Logger(ctx)

	sess, err := e.sessions.Get(ctx, conferenceName)
	if err != nil || sess == nil {
		return
	}

	id := sess.CallLogID
	if id == 0 {
		cl, err := e.callLogs.FindOrCreate(ctx, &store.CallLog{
			ConferenceName:  conferenceName,
			CarrierLegSID:   sess.CarrierLegID,
			CallerE164:      sess.CallerE164,
			DialedE164:      sess.DialedE164,
			AgentSlug:       sess.AgentSlug,
			Direction:       "inbound",
			StartTime:       sess.CreatedAt,
			Status:          store.CallInProgress,
			CostIsEstimated: true,
		})
		if err != nil {
			log.Error("call: background call log create failed",
				"conference_name", conferenceName, "error", err)
			return
		}
		id = cl.ID
		if _, err := e.sessions.Upsert(ctx, conferenceName, session.Patch{
			CallLogID: session.Int64(id),
		}); err != nil {
			log.Warn("call: adopting call log id failed",
				"conference_name", conferenceName, "error", err)
		}
	}

	if err := e.callLogs.SetIdentifiers(ctx, id, realtimeCallID, sess.MixerID); err != nil {
		log.Warn("call: stamping realtime identifiers failed",
			"conference_name", conferenceName, "error", err)
	}
}

// sessionConfig builds the realtime session configuration for the agent.
func (e *Engine) sessionConfig(agent *config.AgentConfig) voiceai.CallConfig {
	cfg := voiceai.CallConfig{
		Model:              e.cfg.Realtime.Model,
		TranscriptionModel: e.cfg.Realtime.TranscriptionModel,
		Tools:              e.toolDefinitions(),
	}
	if agent != nil {
		cfg.Voice = agent.Voice
		cfg.Instructions = agentInstructions(agent)
	}
	cfg.Normalize()
	return cfg
}

// agentInstructions composes the persona's system instructions.
func agentInstructions(agent *config.AgentConfig) string {
	name := agent.DisplayName
	if name == "" {
		name = agent.Slug
	}
	lang := agent.Language
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf(
		"You are %s, the after-hours phone assistant for a medical practice. "+
			"Speak %s. Be warm, brief, and clear. Collect the caller's name, "+
			"callback number, and the reason for the call. For anything urgent "+
			"or anything you cannot resolve, use the %s tool. When you open a "+
			"ticket for the caller, record its number with the %s tool.",
		name, lang, ToolTransferToHuman, ToolRecordTicket,
	)
}

// toolDefinitions declares the function tools every call offers.
func (e *Engine) toolDefinitions() []voiceai.ToolDefinition {
	return []voiceai.ToolDefinition{
		{
			Name:        ToolTransferToHuman,
			Description: "Transfer the caller to the on-call human. Use for emergencies, clinical questions, or anytime the caller asks for a person.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason":          map[string]any{"type": "string", "description": "Why the caller needs a human."},
					"caller_type":     map[string]any{"type": "string", "enum": []string{"patient", "caregiver", "provider", "other"}},
					"patient_name":    map[string]any{"type": "string"},
					"symptoms":        map[string]any{"type": "string"},
					"callback_number": map[string]any{"type": "string", "description": "E.164 callback number if the caller gave one."},
				},
				"required": []string{"reason"},
			},
		},
		{
			Name:        ToolRecordTicket,
			Description: "Record the ticket number you opened for this caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticket_number": map[string]any{"type": "string"},
				},
				"required": []string{"ticket_number"},
			},
		},
	}
}
