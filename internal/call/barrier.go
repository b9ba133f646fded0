// Package call is the orchestration core: it drives each call through the
// accept/attach/greet handshake, supervises the realtime event stream,
// watches over the SIP leg, and guarantees exactly one terminal transition
// per call no matter how many event sources report the ending.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/careline/nightbridge/internal/observe"
)

// Barrier names. Each is a one-shot synchronization point between two event
// sources that race during call setup.
const (
	// BarrierSessionReady resolves when the realtime service confirms the
	// model session over the event stream.
	BarrierSessionReady = "session-ready"

	// BarrierCallerReady resolves when the caller's leg joins the mixer.
	BarrierCallerReady = "caller-ready"

	// BarrierHumanAnswered resolves when the dialed human either reports
	// in-progress on their leg or joins the mixer, whichever arrives first.
	BarrierHumanAnswered = "human-answered"
)

// Default waits. A missed deadline downgrades the handshake with a warning
// rather than failing the call.
const (
	SessionReadyTimeout = 3 * time.Second
	CallerReadyTimeout  = 8 * time.Second
	HumanAnswerTimeout  = 45 * time.Second
)

// ErrBarrierTimeout is returned by [Barriers.Await] when the deadline passes
// before the barrier resolves.
var ErrBarrierTimeout = errors.New("call: barrier timed out")

type barrierKey struct {
	conferenceName string
	name           string
}

// barrier is a one-shot latch: resolve closes done exactly once.
type barrier struct {
	once sync.Once
	done chan struct{}
}

func (b *barrier) fire() {
	b.once.Do(func() { close(b.done) })
}

// Barriers coordinates the per-call one-shot barriers. A barrier must be
// created before its resolving event can possibly arrive; a resolve with no
// registered barrier is counted and dropped, never buffered.
type Barriers struct {
	metrics *observe.Metrics
	stats   *observe.Stats

	mu      sync.Mutex
	latches map[barrierKey]*barrier
}

// NewBarriers creates a barrier coordinator. metrics and stats may be nil in
// tests.
func NewBarriers(metrics *observe.Metrics, stats *observe.Stats) *Barriers {
	return &Barriers{
		metrics: metrics,
		stats:   stats,
		latches: make(map[barrierKey]*barrier),
	}
}

// Create registers the named barrier for the call. Creating an existing
// barrier is a no-op, so racing creators converge on one latch.
func (b *Barriers) Create(conferenceName, name string) {
	key := barrierKey{conferenceName: conferenceName, name: name}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.latches[key]; !ok {
		b.latches[key] = &barrier{done: make(chan struct{})}
	}
}

// Resolve fires the named barrier. Resolving twice is harmless; resolving a
// barrier nobody created is an early signal: logged, counted, and dropped.
func (b *Barriers) Resolve(ctx context.Context, conferenceName, name string) {
	key := barrierKey{conferenceName: conferenceName, name: name}
	b.mu.Lock()
	latch, ok := b.latches[key]
	b.mu.Unlock()

	if !ok {
		observe.Logger(ctx).Warn("call: barrier signal arrived before the barrier existed",
			"conference_name", conferenceName,
			"barrier", name,
		)
		if b.metrics != nil {
			b.metrics.BarrierEarlySignals.Add(ctx, 1)
		}
		return
	}
	latch.fire()
}

// Await blocks until the named barrier resolves, the timeout passes, or ctx
// is done. A timeout is recorded before [ErrBarrierTimeout] is returned.
func (b *Barriers) Await(ctx context.Context, conferenceName, name string, timeout time.Duration) error {
	key := barrierKey{conferenceName: conferenceName, name: name}
	b.mu.Lock()
	latch, ok := b.latches[key]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("call: barrier %s/%s was never created", conferenceName, name)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-latch.done:
		return nil
	case <-timer.C:
		observe.Logger(ctx).Warn("call: barrier timed out",
			"conference_name", conferenceName,
			"barrier", name,
			"timeout", timeout,
		)
		if b.metrics != nil {
			b.metrics.RecordBarrierTimeout(ctx, name)
		}
		if b.stats != nil {
			b.stats.BarrierTimedOut()
		}
		return fmt.Errorf("%w: %s after %s", ErrBarrierTimeout, name, timeout)
	case <-ctx.Done():
		return fmt.Errorf("call: await %s: %w", name, ctx.Err())
	}
}

// DropAll discards every barrier registered for the call. Waiters still
// blocked exit through their own timeout or context.
func (b *Barriers) DropAll(conferenceName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.latches {
		if key.conferenceName == conferenceName {
			delete(b.latches, key)
		}
	}
}
