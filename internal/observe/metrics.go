// Package observe provides application-wide observability primitives for
// nightbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// PHI-safe log redaction, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all nightbridge metrics.
const meterName = "github.com/careline/nightbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AcceptDuration tracks the realtime accept handshake, from the signed
	// webhook arriving to the greeting being requested.
	AcceptDuration metric.Float64Histogram

	// AttachDuration tracks carrier-side agent-leg attachment, from TwiML
	// response to the SIP invite webhook.
	AttachDuration metric.Float64Histogram

	// PostCallStepDuration tracks individual post-call pipeline steps.
	// Use with attribute.String("step", ...).
	PostCallStepDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts incoming calls accepted for orchestration.
	// Use with attribute.String("agent", ...).
	CallsStarted metric.Int64Counter

	// CallsEnded counts terminal transitions. Use with attributes:
	//   attribute.String("outcome", ...), attribute.String("source", ...)
	CallsEnded metric.Int64Counter

	// AcceptRetries counts 404 retries of the realtime accept call.
	AcceptRetries metric.Int64Counter

	// AcceptFailures counts accept handshakes that exhausted their retry
	// budget and fell back to a human.
	AcceptFailures metric.Int64Counter

	// TransfersToHuman counts calls handed to the on-call human, by cause:
	//   attribute.String("cause", "escalation"|"accept_exhausted"|"watchdog")
	TransfersToHuman metric.Int64Counter

	// TicketPushes counts ticket deliveries. Use with attribute.String("status", ...).
	TicketPushes metric.Int64Counter

	// --- Error counters ---

	// DBWriteFailures counts durable writes that failed after retries. The
	// cache stays authoritative; this is the signal that it is drifting.
	DBWriteFailures metric.Int64Counter

	// BarrierTimeouts counts barrier waits that hit their deadline.
	// Use with attribute.String("barrier", ...).
	BarrierTimeouts metric.Int64Counter

	// BarrierEarlySignals counts resolutions that arrived before any waiter
	// registered the barrier.
	BarrierEarlySignals metric.Int64Counter

	// IdentifierCollisions counts rejected attempts to rebind an identifier
	// already owned by another call.
	IdentifierCollisions metric.Int64Counter

	// WatchdogInterventions counts watchdog actions. Use with:
	//   attribute.String("action", "extended"|"fallback"|"terminated")
	WatchdogInterventions metric.Int64Counter

	// FallbackNumberMisses counts attach failures where the carrier leg could
	// not be resolved from the registry, so no fallback dial was possible.
	FallbackNumberMisses metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live orchestrated calls.
	ActiveCalls metric.Int64UpDownCounter

	// PendingAttachments tracks SIP invites sent but not yet confirmed by the
	// realtime webhook.
	PendingAttachments metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// telephony handshakes: sub-second signaling through multi-second retry runs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AcceptDuration, err = m.Float64Histogram("nightbridge.accept.duration",
		metric.WithDescription("Realtime accept handshake latency, webhook to greeting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AttachDuration, err = m.Float64Histogram("nightbridge.attach.duration",
		metric.WithDescription("Agent-leg attach latency, TwiML response to SIP invite webhook."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostCallStepDuration, err = m.Float64Histogram("nightbridge.postcall.step.duration",
		metric.WithDescription("Post-call pipeline step latency by step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("nightbridge.calls.started",
		metric.WithDescription("Incoming calls accepted for orchestration, by agent."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("nightbridge.calls.ended",
		metric.WithDescription("Terminal call transitions by outcome and source."),
	); err != nil {
		return nil, err
	}
	if met.AcceptRetries, err = m.Int64Counter("nightbridge.accept.retries",
		metric.WithDescription("Realtime accept attempts retried on 404."),
	); err != nil {
		return nil, err
	}
	if met.AcceptFailures, err = m.Int64Counter("nightbridge.accept.failures",
		metric.WithDescription("Accept handshakes that exhausted the retry budget."),
	); err != nil {
		return nil, err
	}
	if met.TransfersToHuman, err = m.Int64Counter("nightbridge.transfers_to_human",
		metric.WithDescription("Calls handed to the on-call human, by cause."),
	); err != nil {
		return nil, err
	}
	if met.TicketPushes, err = m.Int64Counter("nightbridge.ticket.pushes",
		metric.WithDescription("Ticket deliveries by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DBWriteFailures, err = m.Int64Counter("nightbridge.db.write_failures",
		metric.WithDescription("Durable writes that failed after retries."),
	); err != nil {
		return nil, err
	}
	if met.BarrierTimeouts, err = m.Int64Counter("nightbridge.barrier.timeouts",
		metric.WithDescription("Barrier waits that hit their deadline, by barrier."),
	); err != nil {
		return nil, err
	}
	if met.BarrierEarlySignals, err = m.Int64Counter("nightbridge.barrier.early_signals",
		metric.WithDescription("Barrier resolutions dropped because no waiter was registered."),
	); err != nil {
		return nil, err
	}
	if met.IdentifierCollisions, err = m.Int64Counter("nightbridge.identifier.collisions",
		metric.WithDescription("Rejected identifier rebind attempts."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogInterventions, err = m.Int64Counter("nightbridge.watchdog.interventions",
		metric.WithDescription("Watchdog actions by kind: extended, fallback, terminated."),
	); err != nil {
		return nil, err
	}
	if met.FallbackNumberMisses, err = m.Int64Counter("nightbridge.fallback_number_misses",
		metric.WithDescription("Attach failures with no resolvable carrier leg for the fallback dial."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("nightbridge.active_calls",
		metric.WithDescription("Number of live orchestrated calls."),
	); err != nil {
		return nil, err
	}
	if met.PendingAttachments, err = m.Int64UpDownCounter("nightbridge.pending_attachments",
		metric.WithDescription("SIP invites sent but not yet confirmed by the realtime webhook."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("nightbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCallStarted records an accepted incoming call.
func (m *Metrics) RecordCallStarted(ctx context.Context, agent string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent", agent)),
	)
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded records a terminal transition and releases the active slot.
func (m *Metrics) RecordCallEnded(ctx context.Context, outcome, source string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("source", source),
		),
	)
	m.ActiveCalls.Add(ctx, -1)
}

// RecordBarrierTimeout records a barrier wait that hit its deadline.
func (m *Metrics) RecordBarrierTimeout(ctx context.Context, barrier string) {
	m.BarrierTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("barrier", barrier)),
	)
}

// RecordWatchdog records a watchdog intervention of the given kind.
func (m *Metrics) RecordWatchdog(ctx context.Context, action string) {
	m.WatchdogInterventions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordTicketPush records a ticket delivery attempt outcome.
func (m *Metrics) RecordTicketPush(ctx context.Context, status string) {
	m.TicketPushes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
