package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/resilience"
)

// sweepMaxAge is the safety-net age after which a durable row is removed
// regardless of state. Leaked records must not outlive it.
const sweepMaxAge = time.Hour

// Durable is the persistence backend. *store.SessionRepo implements it; a
// nil Durable runs the store cache-only.
type Durable interface {
	Upsert(ctx context.Context, s *Session) error
	Get(ctx context.Context, conferenceName string) (*Session, error)
	ListNonTerminal(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, conferenceName string) error
	Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error)
}

// Indexer keeps the identifier registry coherent with the cache.
// *ident.Registry implements it.
type Indexer interface {
	Put(ctx context.Context, s *Session) error
	Update(s *Session)
	Drop(conferenceName string)
}

// Store is the dual-write session store. The in-memory cache is authoritative
// for the live call; every write schedules a durable upsert on a per-session
// writer goroutine so call handling never blocks on the database. Durable
// failures are retried, counted, and swallowed.
type Store struct {
	durable Durable
	index   Indexer
	metrics *observe.Metrics
	stats   *observe.Stats

	mu      sync.Mutex
	cache   map[string]*Session
	writers map[string]*sessionWriter

	dbFailures atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewStore creates a session store. durable and index may be nil in tests.
func NewStore(durable Durable, index Indexer, metrics *observe.Metrics, stats *observe.Stats) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		durable: durable,
		index:   index,
		metrics: metrics,
		stats:   stats,
		cache:   make(map[string]*Session),
		writers: make(map[string]*sessionWriter),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Create registers a brand-new session: cache insert, identifier index, and
// a scheduled durable write. Fails if the conference name is already live.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	now := s.now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(DefaultTTL)
	if sess.State == "" {
		sess.State = StateInitializing
	}

	s.mu.Lock()
	if _, ok := s.cache[sess.ConferenceName]; ok {
		s.mu.Unlock()
		return fmt.Errorf("session: %s already exists", sess.ConferenceName)
	}
	s.cache[sess.ConferenceName] = sess.Clone()
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.Put(ctx, sess); err != nil {
			return fmt.Errorf("session: index %s: %w", sess.ConferenceName, err)
		}
	}
	s.schedulePersist(sess.Clone())
	return nil
}

// Upsert merges the patch onto the cached record, refreshes the identifier
// index, extends the TTL, and schedules the durable write. Returns the
// post-merge snapshot. Terminal records reject further patches.
func (s *Store) Upsert(ctx context.Context, conferenceName string, patch Patch) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.cache[conferenceName]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %s not found", conferenceName)
	}
	if sess.State.IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %s is terminal, record is immutable", conferenceName)
	}
	patch.apply(sess)
	sess.UpdatedAt = s.now().UTC()
	sess.ExpiresAt = sess.UpdatedAt.Add(DefaultTTL)
	snapshot := sess.Clone()
	s.mu.Unlock()

	if s.index != nil {
		s.index.Update(snapshot)
	}
	s.schedulePersist(snapshot)
	return snapshot, nil
}

// Get returns the session, cache-first with exactly one durable fallback per
// miss. A durable hit repopulates the cache and the index.
func (s *Store) Get(ctx context.Context, conferenceName string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.cache[conferenceName]; ok {
		c := sess.Clone()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if s.durable == nil {
		return nil, nil
	}
	sess, err := s.durable.Get(ctx, conferenceName)
	if err != nil {
		return nil, fmt.Errorf("session: durable get %s: %w", conferenceName, err)
	}
	if sess == nil {
		return nil, nil
	}

	s.mu.Lock()
	if cached, ok := s.cache[conferenceName]; ok {
		// Raced with another populator; the cache copy can be newer.
		c := cached.Clone()
		s.mu.Unlock()
		return c, nil
	}
	s.cache[conferenceName] = sess.Clone()
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.Put(ctx, sess); err != nil {
			observe.Logger(ctx).Warn("session: reindex after durable fallback failed",
				"conference_name", conferenceName, "error", err)
		}
	}
	return sess.Clone(), nil
}

// Terminate moves the session to its terminal state, removes it from the
// cache and index, and deletes the durable row. The call log remains the
// record of the call.
func (s *Store) Terminate(ctx context.Context, conferenceName string, final State) (*Session, error) {
	if !final.IsTerminal() {
		return nil, fmt.Errorf("session: %s is not a terminal state", final)
	}

	s.mu.Lock()
	sess, ok := s.cache[conferenceName]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	if !sess.State.IsTerminal() {
		sess.State = final
	}
	sess.UpdatedAt = s.now().UTC()
	snapshot := sess.Clone()
	delete(s.cache, conferenceName)
	w := s.writers[conferenceName]
	delete(s.writers, conferenceName)
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
	if s.index != nil {
		s.index.Drop(conferenceName)
	}
	if s.durable != nil {
		if err := s.durable.Delete(ctx, conferenceName); err != nil {
			s.recordDBFailure(ctx, conferenceName, err)
		}
	}
	return snapshot, nil
}

// Reload loads every non-terminal durable session back into the cache and
// index. Called once at startup so in-flight calls survive a restart.
func (s *Store) Reload(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	sessions, err := s.durable.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: reload: %w", err)
	}

	n := 0
	for _, sess := range sessions {
		s.mu.Lock()
		_, exists := s.cache[sess.ConferenceName]
		if !exists {
			s.cache[sess.ConferenceName] = sess.Clone()
		}
		s.mu.Unlock()
		if exists {
			continue
		}
		if s.index != nil {
			if err := s.index.Put(ctx, sess); err != nil {
				observe.Logger(ctx).Warn("session: reload reindex failed",
					"conference_name", sess.ConferenceName, "error", err)
			}
		}
		n++
	}
	return n, nil
}

// Active returns snapshots of every cached session, for diagnostics.
func (s *Store) Active() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.cache))
	for _, sess := range s.cache {
		out = append(out, sess.Clone())
	}
	return out
}

// DBFailures returns the total number of durable writes that failed after
// retries, surfaced by the health endpoint.
func (s *Store) DBFailures() int64 {
	return s.dbFailures.Load()
}

// RunSweeper periodically removes durable rows that are expired and
// terminal, or older than an hour regardless of state. Blocks until ctx is
// done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.durable == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.durable.Sweep(ctx, s.now().UTC(), sweepMaxAge)
			if err != nil {
				observe.Logger(ctx).Warn("session: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				observe.Logger(ctx).Info("session: swept stale durable sessions", "removed", n)
			}
		}
	}
}

// Close stops all writer goroutines and waits for in-flight persists.
func (s *Store) Close() {
	s.mu.Lock()
	writers := make([]*sessionWriter, 0, len(s.writers))
	for name, w := range s.writers {
		writers = append(writers, w)
		delete(s.writers, name)
	}
	s.mu.Unlock()

	for _, w := range writers {
		w.stop()
	}
	s.cancel()
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Per-session writer
// ---------------------------------------------------------------------------

// sessionWriter serializes durable writes for one conference name. Pending
// snapshots coalesce: only the latest state needs to reach the database.
type sessionWriter struct {
	mu      sync.Mutex
	pending *Session
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// schedulePersist hands the snapshot to the session's writer, starting one
// on first use. Never blocks.
func (s *Store) schedulePersist(snapshot *Session) {
	if s.durable == nil {
		return
	}

	s.mu.Lock()
	w, ok := s.writers[snapshot.ConferenceName]
	if !ok {
		w = &sessionWriter{
			signal: make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
		s.writers[snapshot.ConferenceName] = w
		s.wg.Add(1)
		go s.runWriter(w)
	}
	s.mu.Unlock()

	w.mu.Lock()
	w.pending = snapshot
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// runWriter drains pending snapshots for one session until stopped. Each
// persist runs the small DB retry policy; exhaustion is counted, logged, and
// swallowed; the cache remains the live truth.
func (s *Store) runWriter(w *sessionWriter) {
	defer s.wg.Done()

	persist := func() {
		w.mu.Lock()
		snapshot := w.pending
		w.pending = nil
		w.mu.Unlock()
		if snapshot == nil {
			return
		}

		policy := resilience.RetryPolicy{
			MaxAttempts: 3,
			Initial:     250 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      100 * time.Millisecond,
		}
		err := policy.Do(s.ctx, func(ctx context.Context) error {
			return s.durable.Upsert(ctx, snapshot)
		})
		if err != nil {
			s.recordDBFailure(s.ctx, snapshot.ConferenceName, err)
		}
	}

	for {
		select {
		case <-w.signal:
			persist()
		case <-w.done:
			// Final drain so the last state is not lost on teardown.
			persist()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (w *sessionWriter) stop() {
	w.once.Do(func() { close(w.done) })
}

func (s *Store) recordDBFailure(ctx context.Context, conferenceName string, err error) {
	s.dbFailures.Add(1)
	if s.metrics != nil {
		s.metrics.DBWriteFailures.Add(ctx, 1)
	}
	if s.stats != nil {
		s.stats.DBError()
	}
	observe.Logger(ctx).Warn("session: durable write failed, cache remains authoritative",
		"conference_name", conferenceName, "error", err)
}
