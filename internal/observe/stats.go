package observe

import (
	"sort"
	"sync"
	"time"
)

// Stats keeps the rolling 24-hour counters behind the diagnostics endpoint.
// OTel instruments are write-only from the application's point of view, so
// the numbers operators query at runtime are tallied here as well.
//
// Counts live in per-hour buckets rotated in place; a bucket older than 24
// hours is reset before reuse, giving a window accurate to one hour without
// unbounded memory.
type Stats struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets [24]hourBucket
	accepts *latencyReservoir
}

type hourBucket struct {
	start time.Time // truncated to the hour; zero means unused

	started         int64
	completed       int64
	failed          int64
	abandoned       int64 // caller hung up before the agent leg attached
	acceptFailures  int64
	dbErrors        int64
	barrierTimeouts int64
	orphanKills     int64
	transfers       int64
}

// StatsSnapshot is the aggregated 24-hour view.
type StatsSnapshot struct {
	CallsStarted       int64   `json:"calls_started"`
	CallsCompleted     int64   `json:"calls_completed"`
	CallsFailed        int64   `json:"calls_failed"`
	CallsAbandoned     int64   `json:"calls_abandoned"`
	AcceptFailures     int64   `json:"accept_failures"`
	DBErrors           int64   `json:"db_errors"`
	BarrierTimeouts    int64   `json:"barrier_timeouts"`
	OrphansKilled      int64   `json:"orphans_killed"`
	TransfersToHuman   int64   `json:"transfers_to_human"`
	FailureRate        float64 `json:"failure_rate"`
	AdjustedFailureRate float64 `json:"adjusted_failure_rate"`
	AcceptP50Seconds   float64 `json:"accept_p50_seconds"`
	AcceptP95Seconds   float64 `json:"accept_p95_seconds"`
}

// NewStats creates an empty 24-hour stats window.
func NewStats() *Stats {
	return &Stats{
		now:     time.Now,
		accepts: newLatencyReservoir(512),
	}
}

// newStatsAt is the test seam for controlling the clock.
func newStatsAt(now func() time.Time) *Stats {
	s := NewStats()
	s.now = now
	return s
}

// bucket returns the bucket for the current hour, resetting it if it last
// held counts from an earlier day.
func (s *Stats) bucket() *hourBucket {
	hourStart := s.now().Truncate(time.Hour)
	b := &s.buckets[hourStart.Hour()]
	if !b.start.Equal(hourStart) {
		*b = hourBucket{start: hourStart}
	}
	return b
}

func (s *Stats) CallStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().started++
}

func (s *Stats) CallCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().completed++
}

func (s *Stats) CallFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().failed++
}

// CallAbandoned records a caller hangup before the agent leg attached.
// Abandoned calls also count as completed; they are tracked separately so the
// adjusted failure rate can exclude them.
func (s *Stats) CallAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().abandoned++
}

func (s *Stats) AcceptFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().acceptFailures++
}

func (s *Stats) DBError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().dbErrors++
}

func (s *Stats) BarrierTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().barrierTimeouts++
}

func (s *Stats) OrphanKilled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().orphanKills++
}

func (s *Stats) TransferredToHuman() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket().transfers++
}

// AcceptLatency records one successful accept handshake duration.
func (s *Stats) AcceptLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts.add(d.Seconds())
}

// Snapshot aggregates every bucket still inside the 24-hour window.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-24 * time.Hour)
	var snap StatsSnapshot
	for i := range s.buckets {
		b := &s.buckets[i]
		if b.start.IsZero() || b.start.Before(cutoff) {
			continue
		}
		snap.CallsStarted += b.started
		snap.CallsCompleted += b.completed
		snap.CallsFailed += b.failed
		snap.CallsAbandoned += b.abandoned
		snap.AcceptFailures += b.acceptFailures
		snap.DBErrors += b.dbErrors
		snap.BarrierTimeouts += b.barrierTimeouts
		snap.OrphansKilled += b.orphanKills
		snap.TransfersToHuman += b.transfers
	}

	if snap.CallsStarted > 0 {
		snap.FailureRate = float64(snap.CallsFailed) / float64(snap.CallsStarted)
	}
	// Callers who hang up before the agent attaches are not system failures;
	// the adjusted rate removes them from the denominator.
	adjustedTotal := snap.CallsStarted - snap.CallsAbandoned
	if adjustedTotal > 0 {
		snap.AdjustedFailureRate = float64(snap.CallsFailed) / float64(adjustedTotal)
	}

	snap.AcceptP50Seconds = s.accepts.percentile(0.50)
	snap.AcceptP95Seconds = s.accepts.percentile(0.95)
	return snap
}

// latencyReservoir keeps the most recent n samples for percentile queries.
type latencyReservoir struct {
	samples []float64
	next    int
	full    bool
}

func newLatencyReservoir(n int) *latencyReservoir {
	return &latencyReservoir{samples: make([]float64, n)}
}

func (r *latencyReservoir) add(v float64) {
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyReservoir) percentile(p float64) float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, r.samples[:n])
	sort.Float64s(sorted)
	idx := int(p * float64(n-1))
	return sorted[idx]
}
