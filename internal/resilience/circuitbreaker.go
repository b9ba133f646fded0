// Package resilience guards nightbridge's outbound dependencies, the carrier
// REST API, the realtime voice plane, and the ticketing service, with circuit
// breakers and bounded retries.
//
// [Breaker] is a three-state breaker: closed while the dependency behaves,
// open after a run of consecutive failures, half-open while probing whether
// the dependency recovered. [Group] keys one breaker per dependency so the
// readiness probe and the diagnostics endpoint can report circuit state.
// [RetryPolicy] adds bounded exponential backoff for single operations.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] when the circuit is open
// and the cool-off period has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call to the dependency.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cool-off
	// period elapses.
	StateOpen

	// StateHalfOpen admits a small probe budget. Enough successful probes
	// close the circuit; a single failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in logs and in [Group.States].
	Name string

	// MaxFailures is the run of consecutive failures that trips the
	// circuit. Default 5.
	MaxFailures int

	// CoolOff is how long the circuit stays open before probing again.
	// Default 30s.
	CoolOff time.Duration

	// ProbeBudget caps the calls admitted while half-open. Default 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker. A call node keeps one per
// outbound dependency; the zero value is not usable, construct with
// [NewBreaker].
type Breaker struct {
	name        string
	maxFailures int
	coolOff     time.Duration
	probeBudget int

	mu          sync.Mutex
	state       State
	failRun     int
	lastFailure time.Time
	probesSent  int
	probesFail  int
}

// NewBreaker builds a [Breaker], filling zero config fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolOff:     cfg.CoolOff,
		probeBudget: cfg.ProbeBudget,
		state:       StateClosed,
	}
}

// Execute runs fn when the circuit admits it. While open it returns
// [ErrCircuitOpen] without touching the dependency; while half-open it
// forwards calls only within the probe budget. The error from fn is returned
// unchanged.
func (b *Breaker) Execute(fn func() error) error {
	probing, admitted := b.admit()
	if !admitted {
		return ErrCircuitOpen
	}

	err := fn()
	b.settle(err, probing)
	return err
}

// admit decides whether a call may go out. It reports whether the call
// counts against the half-open probe budget.
func (b *Breaker) admit() (probing, admitted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.coolOff {
			return false, false
		}
		b.state = StateHalfOpen
		b.probesSent = 0
		b.probesFail = 0
		slog.Info("circuit half-open, probing dependency", "name", b.name)

	case StateHalfOpen:
		if b.probesSent >= b.probeBudget {
			return false, false
		}
	}

	if b.state == StateHalfOpen {
		b.probesSent++
		return true, true
	}
	return false, true
}

// settle folds the call's outcome into the circuit state.
func (b *Breaker) settle(err error, probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if !probing {
			b.failRun = 0
			return
		}
		if b.probesSent-b.probesFail >= b.probeBudget {
			b.state = StateClosed
			b.failRun = 0
			b.probesSent = 0
			b.probesFail = 0
			slog.Info("circuit closed after successful probes", "name", b.name)
		}
		return
	}

	b.lastFailure = time.Now()
	if probing {
		// One failed probe re-opens the circuit for a full cool-off.
		b.probesFail++
		b.state = StateOpen
		b.failRun = b.maxFailures
		slog.Warn("circuit re-opened, probe failed", "name", b.name)
		return
	}

	b.failRun++
	if b.failRun >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("circuit opened",
			"name", b.name,
			"consecutive_failures", b.failRun)
	}
}

// State reports the circuit's current mode. An open circuit whose cool-off
// has elapsed reports [StateHalfOpen]; the stored state flips on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.coolOff {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the circuit closed and clears all counters. Exposed for
// operator intervention after a dependency incident is resolved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failRun = 0
	b.probesSent = 0
	b.probesFail = 0
	slog.Info("circuit manually reset", "name", b.name)
}
