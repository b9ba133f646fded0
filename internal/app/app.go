// Package app wires all nightbridge subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the database and the
// carrier and realtime clients and assembles the call machinery, Run serves
// HTTP and the background sweeps, and Shutdown tears everything down in
// reverse-init order.
//
// For testing, inject doubles via functional options (WithCarrier,
// WithRealtime, etc.). When an option is not provided, New creates real
// clients from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/careline/nightbridge/internal/api"
	"github.com/careline/nightbridge/internal/call"
	"github.com/careline/nightbridge/internal/config"
	"github.com/careline/nightbridge/internal/grade"
	"github.com/careline/nightbridge/internal/health"
	"github.com/careline/nightbridge/internal/ident"
	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/postcall"
	"github.com/careline/nightbridge/internal/resilience"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/internal/ticket"
	"github.com/careline/nightbridge/internal/transcript"
	"github.com/careline/nightbridge/pkg/telco"
	"github.com/careline/nightbridge/pkg/telco/twilio"
	"github.com/careline/nightbridge/pkg/voiceai"
	"github.com/careline/nightbridge/pkg/voiceai/openairt"
)

// staleScanInterval is how often the lifecycle sweeps for orphaned calls.
const staleScanInterval = time.Minute

// sweepInterval is how often expired durable session rows are removed.
const sweepInterval = 10 * time.Minute

// callLogStore is the full call log surface shared by the live call path,
// the transcript assembler, and the post-call pipeline. Both the SQL repo
// and the in-memory repo used in cache-only mode satisfy it.
type callLogStore interface {
	call.CallLogStore
	postcall.CallLogStore
	AppendTranscript(ctx context.Context, callLogID int64, line string) error
}

var (
	_ callLogStore = (*store.CallLogRepo)(nil)
	_ callLogStore = (*store.MemCallLogRepo)(nil)
)

// App owns all subsystem lifetimes and serves the nightbridge call flow.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	db          *pgxpool.Pool
	metrics     *observe.Metrics
	stats       *observe.Stats
	failures    *observe.FailureLog
	breakers    *resilience.Group
	callLogs    callLogStore
	escalations call.EscalationStore
	registry    *ident.Registry
	sessions    *session.Store
	carrier     telco.Provider
	realtime    voiceai.Controller
	verifier    *openairt.WebhookVerifier
	grader      postcall.Grader
	tickets     postcall.TicketPusher
	barriers    *call.Barriers
	lifecycle   *call.Lifecycle
	watchdog    *call.Watchdog
	engine      *call.Engine
	pipeline    *postcall.Pipeline
	server      *api.Server
	httpSrv     *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCarrier injects a carrier provider instead of creating a Twilio client.
func WithCarrier(p telco.Provider) Option {
	return func(a *App) { a.carrier = p }
}

// WithRealtime injects a realtime controller instead of creating a client
// from the config.
func WithRealtime(c voiceai.Controller) Option {
	return func(a *App) { a.realtime = c }
}

// WithGrader injects a transcript grader.
func WithGrader(g postcall.Grader) Option {
	return func(a *App) { a.grader = g }
}

// WithTicketPusher injects a ticket pusher instead of creating a client from
// the config.
func WithTicketPusher(t postcall.TicketPusher) Option {
	return func(a *App) { a.tickets = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for the provider-facing pieces.
//
// New performs all initialisation synchronously: telemetry, database
// connection and migration, client construction, and call machinery
// assembly. Run starts the listeners.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Durable store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Identifier registry + session store ───────────────────────────
	a.initSessions()

	// ── 4. Carrier, realtime, grading, and ticketing clients ─────────────
	if err := a.initClients(); err != nil {
		return nil, fmt.Errorf("app: init clients: %w", err)
	}

	// ── 5. Call machinery ────────────────────────────────────────────────
	a.initCallEngine()

	// ── 6. Post-call pipeline ────────────────────────────────────────────
	a.pipeline = postcall.New(postcall.Params{
		Config:   cfg,
		CallLogs: a.callLogs,
		Carrier:  a.carrier,
		Grader:   a.grader,
		Tickets:  a.tickets,
		Metrics:  a.metrics,
		Breakers: a.breakers,
		Timings:  postcall.DefaultTimings(),
	})
	a.lifecycle.SetFinalizer(a.pipeline.Finalizer())

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel providers, the metric instruments, and the
// in-process stats and failure ring buffers.
func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "nightbridge",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	a.stats = observe.NewStats()
	a.failures = observe.NewFailureLog()
	a.breakers = resilience.NewGroup()

	observe.SetPHIRedaction(a.cfg.PHIRedactionEnabled())
	return nil
}

// initStore connects PostgreSQL and builds the repositories. An empty DSN
// runs nightbridge cache-only: calls proceed against in-memory repositories
// and nothing survives a restart.
func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("no database configured, running cache-only; call logs will not survive a restart")
		a.callLogs = store.NewMemCallLogRepo()
		a.escalations = store.NewMemEscalationRepo()
		return nil
	}

	pool, err := store.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.db = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	a.callLogs = store.NewCallLogRepo(pool)
	a.escalations = store.NewEscalationRepo(pool)
	return nil
}

// initSessions builds the identifier registry and the dual-write session
// store on top of it. Without a database both run cache-only.
func (a *App) initSessions() {
	var (
		lookup  ident.Lookup
		durable session.Durable
	)
	if a.db != nil {
		repo := store.NewSessionRepo(a.db)
		lookup = repo
		durable = repo
	}

	a.registry = ident.New(lookup, a.metrics)
	a.sessions = session.NewStore(durable, a.registry, a.metrics, a.stats)
	a.closers = append(a.closers, func() error {
		a.sessions.Close()
		return nil
	})
}

// initClients builds the Twilio and realtime REST clients, the webhook
// verifier, the transcript grader, and the ticketing client, skipping any
// slot an Option already filled.
func (a *App) initClients() error {
	if a.carrier == nil {
		var opts []twilio.Option
		if a.cfg.Carrier.APIBaseURL != "" {
			opts = append(opts, twilio.WithBaseURL(a.cfg.Carrier.APIBaseURL))
		}
		a.carrier = twilio.NewClient(a.cfg.Carrier.AccountSID, a.cfg.Carrier.AuthToken, opts...)
	}

	if a.realtime == nil {
		var opts []openairt.Option
		if a.cfg.Realtime.APIBaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(a.cfg.Realtime.APIBaseURL))
		}
		a.realtime = openairt.NewClient(a.cfg.Realtime.APIKey, opts...)
	}
	// No secret means no verifier; the API layer skips signature checks in
	// development when the verifier is nil.
	if a.cfg.Realtime.WebhookSecret != "" {
		verifier, err := openairt.NewWebhookVerifier(a.cfg.Realtime.WebhookSecret)
		if err != nil {
			return fmt.Errorf("create webhook verifier: %w", err)
		}
		a.verifier = verifier
	}

	if a.grader == nil && a.cfg.Realtime.GradingModel != "" {
		g, err := grade.New(a.cfg.Realtime.APIKey, a.cfg.Realtime.GradingModel)
		if err != nil {
			return fmt.Errorf("create grader: %w", err)
		}
		a.grader = g
	}

	if a.tickets == nil {
		// A client with no base URL reports itself disabled.
		a.tickets = ticket.NewClient(a.cfg.Ticketing.BaseURL, a.cfg.Ticketing.APIKey)
	}
	return nil
}

// initCallEngine assembles the barriers, lifecycle, watchdog, and engine.
// The watchdog's fallback document comes from the engine, which does not
// exist yet when the watchdog is built, so it is resolved through a closure.
func (a *App) initCallEngine() {
	a.barriers = call.NewBarriers(a.metrics, a.stats)
	a.lifecycle = call.NewLifecycle(a.sessions, a.callLogs, a.barriers, a.metrics, a.stats)

	fallback := func(conferenceName string) telco.Response {
		return a.engine.HumanFallbackDoc(conferenceName)
	}
	a.watchdog = call.NewWatchdog(a.carrier, a.sessions, a.lifecycle, a.metrics, a.stats, fallback, call.DefaultWatchdogTimings())
	a.lifecycle.SetAttachGuard(a.watchdog)

	a.engine = call.NewEngine(call.Params{
		Config:      a.cfg,
		Sessions:    a.sessions,
		Registry:    a.registry,
		CallLogs:    a.callLogs,
		Escalations: a.escalations,
		Carrier:     a.carrier,
		Realtime:    a.realtime,
		Transcripts: transcript.NewAssembler(a.callLogs),
		Barriers:    a.barriers,
		Watchdog:    a.watchdog,
		Lifecycle:   a.lifecycle,
		Metrics:     a.metrics,
		Stats:       a.stats,
		Failures:    a.failures,
		Breakers:    a.breakers,
	})
}

// initHTTP builds the API router and the HTTP server around it.
func (a *App) initHTTP() {
	var checks []health.Check
	if a.db != nil {
		db := a.db
		checks = append(checks, health.Check{
			Name:  "database",
			Probe: func(ctx context.Context) error { return db.Ping(ctx) },
		})
	}
	// An open carrier or realtime circuit means the node cannot take a call,
	// so those fail readiness. An open ticketing circuit only delays ticket
	// handoff and must not drain the node.
	checks = append(checks,
		health.Check{
			Name:  "call path",
			Probe: a.breakerProbe(resilience.DepCarrier, resilience.DepRealtime),
		},
		health.Check{
			Name:     "ticketing",
			Probe:    a.breakerProbe(resilience.DepTicketing),
			Optional: true,
		},
	)

	a.server = api.New(api.Params{
		Config:   a.cfg,
		Engine:   a.engine,
		Verifier: a.verifier,
		Sessions: a.sessions,
		Watchdog: a.watchdog,
		Stats:    a.stats,
		Failures: a.failures,
		Breakers: a.breakers,
		Metrics:  a.metrics,
		Health:   health.New(checks...),
	})

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// breakerProbe reports an error when any of the named circuits is open.
func (a *App) breakerProbe(deps ...string) func(context.Context) error {
	return func(context.Context) error {
		states := a.breakers.States()
		for _, dep := range deps {
			if states[dep] == resilience.StateOpen {
				return fmt.Errorf("%s circuit open", dep)
			}
		}
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run rehydrates sessions from the durable store, starts the background
// sweeps, and serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	// Calls that were live when the previous process died get their
	// sessions back so late webhooks still resolve.
	if n, err := a.sessions.Reload(ctx); err != nil {
		slog.Warn("session reload failed", "error", err)
	} else if n > 0 {
		slog.Info("rehydrated live sessions", "count", n)
	}

	go a.sessions.RunSweeper(ctx, sweepInterval)
	go a.lifecycle.RunStaleScan(ctx, staleScanInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, then tears down subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
