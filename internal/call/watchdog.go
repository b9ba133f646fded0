package call

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
	"github.com/careline/nightbridge/pkg/telco"
)

// WatchdogTimings parameterize the SIP attach watchdog. Tests shrink them.
type WatchdogTimings struct {
	// CheckInterval spaces the three extend-only checkpoints.
	CheckInterval time.Duration

	// FallbackAfter is when a still-pending attach gives up on the AI and
	// redirects the caller to the on-call human.
	FallbackAfter time.Duration

	// HardKillAfter is the orphan ceiling: a leg still unended by then is
	// hung up outright.
	HardKillAfter time.Duration
}

// DefaultWatchdogTimings returns the production schedule: checks at 15, 30,
// and 45 seconds, human fallback at 60 seconds, hard kill at the call cap.
func DefaultWatchdogTimings() WatchdogTimings {
	return WatchdogTimings{
		CheckInterval: 15 * time.Second,
		FallbackAfter: 60 * time.Second,
		HardKillAfter: HardCallCap,
	}
}

// FallbackDocFunc builds the TwiML played to the caller when the watchdog
// gives up on the AI attach. The engine supplies it so the watchdog stays
// ignorant of voice and number configuration.
type FallbackDocFunc func(conferenceName string) telco.Response

// watchEntry tracks one pending SIP attachment.
type watchEntry struct {
	conferenceName string
	carrierLegID   string
	armedAt        time.Time

	// agentLegID is the dialed agent leg's SID, set under the watchdog's
	// lock once the carrier accepts the participant request.
	agentLegID string

	done    chan struct{}
	once    sync.Once
	retired sync.Once
}

func (e *watchEntry) stop() {
	e.once.Do(func() { close(e.done) })
}

// Watchdog guards the window between sending the SIP invite and the realtime
// webhook confirming it. The first three checkpoints only extend the wait;
// the fourth plays the human-fallback document on the caller leg. An
// independent hard timer terminates legs that never produce any terminal
// signal at all.
type Watchdog struct {
	carrier   telco.Provider
	sessions  *session.Store
	lifecycle *Lifecycle
	metrics   *observe.Metrics
	stats     *observe.Stats
	fallback  FallbackDocFunc
	timings   WatchdogTimings
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*watchEntry
}

// NewWatchdog creates a watchdog. metrics and stats may be nil in tests.
func NewWatchdog(carrier telco.Provider, sessions *session.Store, lifecycle *Lifecycle, metrics *observe.Metrics, stats *observe.Stats, fallback FallbackDocFunc, timings WatchdogTimings) *Watchdog {
	if timings.CheckInterval <= 0 {
		timings = DefaultWatchdogTimings()
	}
	return &Watchdog{
		carrier:   carrier,
		sessions:  sessions,
		lifecycle: lifecycle,
		metrics:   metrics,
		stats:     stats,
		fallback:  fallback,
		timings:   timings,
		now:       time.Now,
		entries:   make(map[string]*watchEntry),
	}
}

// Arm starts watching the attach for the given call. Arming an already
// watched call is a no-op. The watch outlives the arming request's context.
func (w *Watchdog) Arm(ctx context.Context, conferenceName, carrierLegID string) {
	e := &watchEntry{
		conferenceName: conferenceName,
		carrierLegID:   carrierLegID,
		armedAt:        w.now(),
		done:           make(chan struct{}),
	}

	w.mu.Lock()
	if _, ok := w.entries[conferenceName]; ok {
		w.mu.Unlock()
		return
	}
	w.entries[conferenceName] = e
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.PendingAttachments.Add(ctx, 1)
	}
	go w.run(context.WithoutCancel(ctx), e)
}

// Disarm cancels the watch, normally because the realtime webhook confirmed
// the attach. Reports whether a watch was actually pending.
func (w *Watchdog) Disarm(ctx context.Context, conferenceName string) bool {
	w.mu.Lock()
	e, ok := w.entries[conferenceName]
	delete(w.entries, conferenceName)
	w.mu.Unlock()

	if !ok {
		return false
	}
	e.stop()
	w.release(ctx, e)
	return true
}

// NoteAgentLeg records the dialed agent leg for a watched call so an
// abandoned call can tear the leg down. Calls no longer under watch are
// ignored.
func (w *Watchdog) NoteAgentLeg(conferenceName, agentLegID string) {
	w.mu.Lock()
	if e, ok := w.entries[conferenceName]; ok {
		e.agentLegID = agentLegID
	}
	w.mu.Unlock()
}

// AbandonPending tears down the watch for a call that ended before the
// attach confirmed: the watch stops, and the dialed agent leg is hung up so
// it does not keep ringing into an empty mixer. Reports whether a watch was
// actually pending.
func (w *Watchdog) AbandonPending(ctx context.Context, conferenceName string) bool {
	w.mu.Lock()
	e, ok := w.entries[conferenceName]
	delete(w.entries, conferenceName)
	var agentLeg string
	if ok {
		agentLeg = e.agentLegID
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	e.stop()
	w.release(ctx, e)

	if agentLeg != "" && w.carrier != nil {
		observe.Logger(ctx).Info("call: call ended before attach, hanging up agent leg",
			"conference_name", conferenceName,
			"agent_leg_sid", agentLeg,
		)
		if err := w.carrier.HangupCall(ctx, agentLeg); err != nil {
			observe.Logger(ctx).Warn("call: pending agent leg hangup failed",
				"conference_name", conferenceName, "error", err)
		}
	}
	return true
}

// Pending returns the number of attaches currently under watch.
func (w *Watchdog) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// release drops the pending-attachments gauge exactly once per entry.
func (w *Watchdog) release(ctx context.Context, e *watchEntry) {
	e.retired.Do(func() {
		if w.metrics != nil {
			w.metrics.PendingAttachments.Add(ctx, -1)
		}
	})
}

// remove detaches the entry from the table without firing its done channel.
func (w *Watchdog) remove(e *watchEntry) {
	w.mu.Lock()
	if cur, ok := w.entries[e.conferenceName]; ok && cur == e {
		delete(w.entries, e.conferenceName)
	}
	w.mu.Unlock()
}

func (w *Watchdog) run(ctx context.Context, e *watchEntry) {
	log := observe.Logger(ctx)

	for _, checkpoint := range []time.Duration{
		w.timings.CheckInterval,
		2 * w.timings.CheckInterval,
		3 * w.timings.CheckInterval,
	} {
		if !w.sleepUntil(e, checkpoint) {
			return
		}
		log.Warn("call: agent attach still pending, extending watch",
			"conference_name", e.conferenceName,
			"waited", checkpoint,
		)
		if w.metrics != nil {
			w.metrics.RecordWatchdog(ctx, "extended")
		}
	}

	if !w.sleepUntil(e, w.timings.FallbackAfter) {
		return
	}
	w.release(ctx, e)
	if w.lifecycle != nil && w.lifecycle.Ended(e.conferenceName) {
		w.remove(e)
		return
	}

	log.Error("call: agent attach timed out, redirecting caller to human",
		"conference_name", e.conferenceName,
		"carrier_leg_id", e.carrierLegID,
	)
	if w.metrics != nil {
		w.metrics.RecordWatchdog(ctx, "fallback")
		w.metrics.TransfersToHuman.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("cause", "watchdog")))
	}
	if w.stats != nil {
		w.stats.TransferredToHuman()
	}
	if w.fallback != nil && w.carrier != nil {
		if err := w.carrier.RedirectCall(ctx, e.carrierLegID, w.fallback(e.conferenceName)); err != nil {
			log.Error("call: fallback redirect failed",
				"conference_name", e.conferenceName, "error", err)
		}
	}
	if w.sessions != nil {
		if _, err := w.sessions.Upsert(ctx, e.conferenceName, session.Patch{
			State:              session.StatePtr(session.StateTransferring),
			TransferredToHuman: session.Bool(true),
			LastError:          session.String("agent attach watchdog expired"),
		}); err != nil {
			log.Warn("call: fallback session update failed",
				"conference_name", e.conferenceName, "error", err)
		}
	}

	// The redirected call now lives or dies by carrier events; the hard
	// timer only fires if those never arrive either.
	if !w.sleepUntil(e, w.timings.HardKillAfter) {
		return
	}
	w.remove(e)
	if w.lifecycle != nil && w.lifecycle.Ended(e.conferenceName) {
		return
	}

	log.Error("call: orphaned leg past hard cap, hanging up",
		"conference_name", e.conferenceName,
		"carrier_leg_id", e.carrierLegID,
	)
	if w.metrics != nil {
		w.metrics.RecordWatchdog(ctx, "terminated")
	}
	if w.stats != nil {
		w.stats.OrphanKilled()
	}
	if w.carrier != nil {
		if err := w.carrier.HangupCall(ctx, e.carrierLegID); err != nil {
			log.Error("call: orphan hangup failed",
				"conference_name", e.conferenceName, "error", err)
		}
	}
	if w.lifecycle != nil {
		w.lifecycle.EndCall(ctx, e.conferenceName, EndSignal{
			Source:      SourceWatchdog,
			Disposition: store.DispositionTimeout,
		})
	}
}

// sleepUntil blocks until the given offset from arming, returning false if
// the watch was disarmed first.
func (w *Watchdog) sleepUntil(e *watchEntry, offset time.Duration) bool {
	wait := e.armedAt.Add(offset).Sub(w.now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.done:
		return false
	case <-timer.C:
		return true
	}
}
