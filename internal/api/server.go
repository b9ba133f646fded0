// Package api is the HTTP boundary: carrier and realtime webhook handlers,
// the operator diagnostics surface, and the health and metrics endpoints.
// Payloads are parsed into typed variants here; nothing downstream touches
// raw forms or JSON envelopes.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careline/nightbridge/internal/call"
	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/health"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/resilience"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/voiceai"
	"github.com/careline/nightbridge/pkg/voiceai/openairt"
)

// maxWebhookBody bounds realtime webhook payloads.
const maxWebhookBody = 1 << 20

// Orchestrator is the engine surface the HTTP layer drives. *call.Engine
// implements it.
type Orchestrator interface {
	HandleIncomingCall(ctx context.Context, in telco.IncomingCall) (telco.Response, error)
	HandleConferenceEvent(ctx context.Context, ev telco.ConferenceEvent) error
	HandleStatusCallback(ctx context.Context, cb telco.StatusCallback) error
	HandleRecordingStatus(ctx context.Context, rs telco.RecordingStatus) error
	HandleRealtimeEvent(ctx context.Context, ev voiceai.WebhookEvent) error
	HumanFallbackDoc(conferenceName string) telco.Response
}

var _ Orchestrator = (*call.Engine)(nil)

// Params collects the server's dependencies. Verifier may be nil in
// development, which skips realtime signature checks; Health and Metrics may
// be nil in tests.
type Params struct {
	Config   *config.Config
	Engine   Orchestrator
	Verifier *openairt.WebhookVerifier
	Sessions *session.Store
	Watchdog *call.Watchdog
	Stats    *observe.Stats
	Failures *observe.FailureLog
	Breakers *resilience.Group
	Metrics  *observe.Metrics
	Health   *health.Handler
}

// Server owns the HTTP routes.
type Server struct {
	cfg      *config.Config
	engine   Orchestrator
	verifier *openairt.WebhookVerifier
	sessions *session.Store
	watchdog *call.Watchdog
	stats    *observe.Stats
	failures *observe.FailureLog
	breakers *resilience.Group
	metrics  *observe.Metrics
	health   *health.Handler
}

// New creates a Server.
func New(p Params) *Server {
	return &Server{
		cfg:      p.Config,
		engine:   p.Engine,
		verifier: p.Verifier,
		sessions: p.Sessions,
		watchdog: p.Watchdog,
		stats:    p.Stats,
		failures: p.Failures,
		breakers: p.Breakers,
		metrics:  p.Metrics,
		health:   p.Health,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}

	r.Route("/webhooks/carrier", func(r chi.Router) {
		r.Post("/incoming-call", s.handleIncomingCall)
		r.Post("/conference-events", s.handleConferenceEvents)
		r.Post("/status-callback", s.handleStatusCallback)
		r.Post("/recording-status", s.handleRecordingStatus)
	})
	r.Post("/webhooks/realtime", s.handleRealtimeWebhook)

	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/diagnostics/active", s.handleActiveSessions)
	r.Get("/diagnostics/recent-failures", s.handleRecentFailures)

	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// handleIncomingCall answers a fresh PSTN call with the conference TwiML.
// An orchestration failure still answers: the caller gets the human-fallback
// document instead of carrier-side dead air.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	in, err := telco.ParseIncomingCall(r.PostForm)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: rejecting malformed incoming-call webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := s.engine.HandleIncomingCall(r.Context(), in)
	if err != nil {
		observe.Logger(r.Context()).Error("api: incoming call handling failed, answering with human fallback",
			"call_sid", in.CallSID, "error", err)
		doc = s.engine.HumanFallbackDoc("conf_" + in.CallSID)
	}
	s.writeTwiML(w, r, doc)
}

// handleConferenceEvents consumes mixer lifecycle callbacks. Handler errors
// are logged but acknowledged; the carrier would otherwise retry events whose
// replay cannot succeed either.
func (s *Server) handleConferenceEvents(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	ev, err := telco.ParseConferenceEvent(r.PostForm)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: rejecting malformed conference event", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.HandleConferenceEvent(r.Context(), ev); err != nil {
		observe.Logger(r.Context()).Error("api: conference event handling failed",
			"kind", string(ev.Kind), "conference_name", ev.ConferenceName, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	cb, err := telco.ParseStatusCallback(r.PostForm)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: rejecting malformed status callback", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.HandleStatusCallback(r.Context(), cb); err != nil {
		observe.Logger(r.Context()).Error("api: status callback handling failed",
			"call_sid", cb.CallSID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	rs, err := telco.ParseRecordingStatus(r.PostForm)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: rejecting malformed recording status", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.HandleRecordingStatus(r.Context(), rs); err != nil {
		observe.Logger(r.Context()).Error("api: recording status handling failed",
			"recording_sid", rs.RecordingSID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRealtimeWebhook verifies the signed envelope and dispatches the
// event. The accept handshake runs inline, so this handler can block for a
// few seconds on a retrying accept.
func (s *Server) handleRealtimeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if s.verifier != nil {
		if err := s.verifier.Verify(r.Header, body); err != nil {
			observe.Logger(r.Context()).Warn("api: rejecting realtime webhook", "error", err)
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
	}
	ev, err := openairt.ParseWebhookEvent(body)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: rejecting malformed realtime webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.HandleRealtimeEvent(r.Context(), ev); err != nil {
		// A replay cannot succeed where the original failed; acknowledge
		// so the realtime service stops retrying.
		observe.Logger(r.Context()).Error("api: realtime webhook handling failed", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// writeTwiML renders the document with the carrier's expected content type.
func (s *Server) writeTwiML(w http.ResponseWriter, r *http.Request, doc telco.Response) {
	body, err := doc.Render()
	if err != nil {
		observe.Logger(r.Context()).Error("api: twiml render failed", "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, body)
}
