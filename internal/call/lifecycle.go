package call

import (
	"context"
	"sync"
	"time"

	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/session"
	"github.com/careline/nightbridge/internal/store"
)

// Termination sources, in the order they typically race. Any of them may be
// the first to report a finished call; every later one is a duplicate.
const (
	SourceParticipantLeave   = "participant-leave"
	SourceConferenceEnd      = "conference-end"
	SourceStatusCallback     = "status-callback"
	SourceRealtimeDisconnect = "realtime-disconnect"
	SourceRealtimeError      = "realtime-error"
	SourceWatchdog           = "watchdog"
	SourceStaleScan          = "stale-scan"
	SourceAcceptFailure      = "accept-failure"
)

// HardCallCap is the absolute ceiling on a single call. Anything alive past
// it is an orphan: some terminal signal was lost.
const HardCallCap = 10 * time.Minute

// endedRetention is how long duplicate-suppression entries outlive the call.
const endedRetention = 30 * time.Minute

// EndSignal describes one report that a call finished.
type EndSignal struct {
	Source      string
	Disposition store.Disposition

	// DurationSeconds is the carrier-reported duration when the source is a
	// terminal status callback; zero otherwise. The post-call reconciler
	// fetches the authoritative value regardless.
	DurationSeconds int

	// AnsweredBy is the carrier's answering-machine-detection verdict, empty
	// unless the terminal status callback carried one.
	AnsweredBy string
}

// CallLogEnder is the slice of the call-log repository the lifecycle writes.
type CallLogEnder interface {
	MarkEnded(ctx context.Context, id int64, endTime time.Time, status store.CallStatus, disposition store.Disposition) (bool, error)
	SetTransferred(ctx context.Context, id int64) error
}

// Finalizer receives the final session snapshot exactly once per call, after
// the terminal transition. The post-call pipeline hangs off it.
type Finalizer func(sess *session.Session, sig EndSignal)

// AttachGuard is the watchdog slice the lifecycle pokes on the terminal
// transition, so a call abandoned before the agent attached gets its pending
// SIP leg torn down immediately instead of at the next checkpoint.
type AttachGuard interface {
	AbandonPending(ctx context.Context, conferenceName string) bool
}

// Lifecycle guarantees exactly one terminal transition per call. Five event
// sources can report an ending; the first wins, the rest are logged and
// dropped. The in-memory guard is backed by the call log's own status
// transition so a restarted process cannot double-finalize either.
type Lifecycle struct {
	sessions *session.Store
	callLogs CallLogEnder
	barriers *Barriers
	metrics  *observe.Metrics
	stats    *observe.Stats

	finalize Finalizer
	guard    AttachGuard
	now      func() time.Time

	mu      sync.Mutex
	ended   map[string]time.Time
	cancels map[string]context.CancelFunc
}

// NewLifecycle creates a lifecycle coordinator. callLogs, metrics, and stats
// may be nil in tests.
func NewLifecycle(sessions *session.Store, callLogs CallLogEnder, barriers *Barriers, metrics *observe.Metrics, stats *observe.Stats) *Lifecycle {
	return &Lifecycle{
		sessions: sessions,
		callLogs: callLogs,
		barriers: barriers,
		metrics:  metrics,
		stats:    stats,
		now:      time.Now,
		ended:    make(map[string]time.Time),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetFinalizer installs the post-call hook. Must be called before traffic.
func (l *Lifecycle) SetFinalizer(f Finalizer) { l.finalize = f }

// SetAttachGuard installs the pending-attach teardown hook. Must be called
// before traffic.
func (l *Lifecycle) SetAttachGuard(g AttachGuard) { l.guard = g }

// Supervise registers the cancel function of the call's task group so the
// terminal transition can tear the group down.
func (l *Lifecycle) Supervise(conferenceName string, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.ended[conferenceName]; done {
		// The call ended before supervision registered; tear down now.
		go cancel()
		return
	}
	l.cancels[conferenceName] = cancel
}

// Ended reports whether the call already had its terminal transition.
func (l *Lifecycle) Ended(conferenceName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ended[conferenceName]
	return ok
}

// EndCall performs the terminal transition for the call if nobody has yet.
// Duplicate signals are dropped after a debug log. The sequence is: guard,
// durable status transition, session termination, barrier teardown,
// pending-attach teardown, task group cancellation, post-call hand-off.
func (l *Lifecycle) EndCall(ctx context.Context, conferenceName string, sig EndSignal) {
	log := observe.Logger(ctx)

	l.mu.Lock()
	if _, done := l.ended[conferenceName]; done {
		l.mu.Unlock()
		log.Debug("call: duplicate termination signal dropped",
			"conference_name", conferenceName,
			"source", sig.Source,
		)
		return
	}
	l.ended[conferenceName] = l.now()
	cancel := l.cancels[conferenceName]
	delete(l.cancels, conferenceName)
	l.mu.Unlock()

	sess, err := l.sessions.Get(ctx, conferenceName)
	if err != nil {
		log.Warn("call: terminal transition could not load session",
			"conference_name", conferenceName, "error", err)
	}

	disposition := sig.Disposition
	if disposition == "" {
		disposition = store.DispositionCompleted
	}
	if sess != nil && sess.TransferredToHuman {
		// The latch outranks whatever the reporting source inferred.
		disposition = store.DispositionTransferred
	}

	finalState := session.StateCompleted
	status := store.CallCompleted
	switch disposition {
	case store.DispositionFailed, store.DispositionTimeout:
		finalState = session.StateFailed
		status = store.CallFailed
	case store.DispositionTransferred:
		status = store.CallTransferred
	}

	if l.callLogs != nil && sess != nil && sess.CallLogID != 0 {
		first, err := l.callLogs.MarkEnded(ctx, sess.CallLogID, l.now().UTC(), status, disposition)
		if err != nil {
			log.Error("call: durable call-ended transition failed",
				"conference_name", conferenceName,
				"call_log_id", sess.CallLogID,
				"error", err,
			)
		} else if !first {
			log.Debug("call: call log already ended durably",
				"conference_name", conferenceName,
				"call_log_id", sess.CallLogID,
			)
		}
		if disposition == store.DispositionTransferred {
			if err := l.callLogs.SetTransferred(ctx, sess.CallLogID); err != nil {
				log.Warn("call: latching transfer flag failed",
					"conference_name", conferenceName, "error", err)
			}
		}
	}

	log.Info("call: call ended",
		"conference_name", conferenceName,
		"source", sig.Source,
		"disposition", string(disposition),
	)
	if l.metrics != nil {
		l.metrics.RecordCallEnded(ctx, string(disposition), sig.Source)
	}
	if l.stats != nil {
		switch {
		case sess != nil && sess.State == session.StateInitializing:
			l.stats.CallAbandoned()
		case finalState == session.StateFailed:
			l.stats.CallFailed()
		default:
			l.stats.CallCompleted()
		}
	}

	var final *session.Session
	if sess != nil {
		final, err = l.sessions.Terminate(ctx, conferenceName, finalState)
		if err != nil {
			log.Warn("call: session termination failed",
				"conference_name", conferenceName, "error", err)
		}
	}
	if final == nil {
		final = sess
	}

	if l.barriers != nil {
		l.barriers.DropAll(conferenceName)
	}
	if l.guard != nil {
		l.guard.AbandonPending(ctx, conferenceName)
	}
	if cancel != nil {
		cancel()
	}

	if l.finalize != nil && final != nil {
		go l.finalize(final, sig)
	}
}

// RunStaleScan sweeps for orphaned calls: sessions older than the hard cap
// with no terminal signal get a synthesized timeout ending, so the post-call
// pipeline still runs for them. Blocks until ctx is done.
func (l *Lifecycle) RunStaleScan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce(ctx)
		}
	}
}

// scanOnce runs one stale pass and prunes duplicate-suppression entries.
func (l *Lifecycle) scanOnce(ctx context.Context) {
	now := l.now()

	for _, sess := range l.sessions.Active() {
		if sess.State.IsTerminal() {
			continue
		}
		if now.Sub(sess.CreatedAt) < HardCallCap {
			continue
		}
		observe.Logger(ctx).Warn("call: stale call past hard cap, synthesizing termination",
			"conference_name", sess.ConferenceName,
			"age", now.Sub(sess.CreatedAt),
		)
		if l.stats != nil {
			l.stats.OrphanKilled()
		}
		l.EndCall(ctx, sess.ConferenceName, EndSignal{
			Source:      SourceStaleScan,
			Disposition: store.DispositionTimeout,
		})
	}

	l.mu.Lock()
	for name, at := range l.ended {
		if now.Sub(at) > endedRetention {
			delete(l.ended, name)
		}
	}
	l.mu.Unlock()
}
