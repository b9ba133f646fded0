// Package ident maintains the bidirectional identifier index that lets any
// of a call's identifiers resolve to its canonical session. Four typed
// keyspaces are kept: the conference name (primary), the carrier leg SID, the
// mixer SID, and the realtime call ID.
//
// The index is cache-first. A miss falls back to the durable store exactly
// once, repopulating the cache and merging any late identifiers discovered
// there. Bindings are first-wins: an identifier never remaps to a different
// session while it is bound, so two racing calls can never briefly share an
// index entry.
package ident

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/careline/nightbridge/internal/observe"
	"github.com/careline/nightbridge/internal/session"
)

// Kind names one of the identifier keyspaces.
type Kind string

const (
	KindConference   Kind = "conferenceName"
	KindCarrierLeg   Kind = "carrierLegId"
	KindMixer        Kind = "mixerId"
	KindRealtimeCall Kind = "realtimeCallId"
)

// IsValid reports whether k is a known keyspace.
func (k Kind) IsValid() bool {
	switch k {
	case KindConference, KindCarrierLeg, KindMixer, KindRealtimeCall:
		return true
	}
	return false
}

// ErrCollision is returned when a bind would remap an identifier that is
// already bound to a different session. The first binding wins.
var ErrCollision = errors.New("ident: identifier already bound to another session")

// Lookup is the durable fallback consulted on a cache miss. Implementations
// return (nil, nil) when no session carries the identifier.
type Lookup interface {
	SessionByIdentifier(ctx context.Context, kind Kind, value string) (*session.Session, error)
}

// pendingBinding is an identifier observed before its session registered.
type pendingBinding struct {
	kind  Kind
	value string
}

// Registry is the in-memory identifier index. Safe for concurrent use.
type Registry struct {
	lookup  Lookup
	metrics *observe.Metrics

	mu       sync.Mutex
	byKind   map[Kind]map[string]string // kind → value → conferenceName
	sessions map[string]*session.Session
	pending  map[string][]pendingBinding // conferenceName → queued binds
}

// New creates a Registry. lookup may be nil, in which case misses are final.
func New(lookup Lookup, metrics *observe.Metrics) *Registry {
	return &Registry{
		lookup:  lookup,
		metrics: metrics,
		byKind: map[Kind]map[string]string{
			KindConference:   {},
			KindCarrierLeg:   {},
			KindMixer:        {},
			KindRealtimeCall: {},
		},
		sessions: make(map[string]*session.Session),
		pending:  make(map[string][]pendingBinding),
	}
}

// Put registers a session under every identifier it currently carries and
// applies any bindings queued for it while it was still registering. Returns
// [ErrCollision] if any identifier is already owned by a different session;
// identifiers bound before the collision stay bound.
func (r *Registry) Put(ctx context.Context, sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bindAllLocked(ctx, sess); err != nil {
		return err
	}
	r.sessions[sess.ConferenceName] = sess.Clone()

	for _, pb := range r.pending[sess.ConferenceName] {
		if err := r.bindLocked(ctx, sess.ConferenceName, pb.kind, pb.value); err != nil {
			observe.Logger(ctx).Warn("ident: pending binding collided",
				"conference_name", sess.ConferenceName,
				"kind", string(pb.kind),
				"error", err,
			)
			continue
		}
		r.applyToSessionLocked(sess.ConferenceName, pb.kind, pb.value)
	}
	delete(r.pending, sess.ConferenceName)
	return nil
}

// Resolve returns the session owning the identifier, or nil when nothing
// does. On a cache miss the durable store is consulted exactly once and, on
// a hit there, the index is repopulated including late identifiers.
func (r *Registry) Resolve(ctx context.Context, kind Kind, value string) (*session.Session, error) {
	if value == "" {
		return nil, nil
	}

	r.mu.Lock()
	if name, ok := r.byKind[kind][value]; ok {
		sess := r.sessions[name].Clone()
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	if r.lookup == nil {
		return nil, nil
	}
	sess, err := r.lookup.SessionByIdentifier(ctx, kind, value)
	if err != nil {
		return nil, fmt.Errorf("ident: durable lookup %s=%q: %w", kind, value, err)
	}
	if sess == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have repopulated while we were querying; the
	// cached copy wins because it can be newer than the durable row.
	if name, ok := r.byKind[kind][value]; ok {
		return r.sessions[name].Clone(), nil
	}
	if err := r.bindAllLocked(ctx, sess); err != nil {
		return nil, err
	}
	if _, ok := r.sessions[sess.ConferenceName]; !ok {
		r.sessions[sess.ConferenceName] = sess.Clone()
	}
	return sess.Clone(), nil
}

// MergeIdentifier adds a late-arriving identifier to a registered session.
// When the session is not registered yet, the binding is queued and applied
// at [Registry.Put] time.
func (r *Registry) MergeIdentifier(ctx context.Context, conferenceName string, kind Kind, value string) error {
	if value == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[conferenceName]; !ok {
		r.pending[conferenceName] = append(r.pending[conferenceName], pendingBinding{kind: kind, value: value})
		observe.Logger(ctx).Debug("ident: queued pending binding",
			"conference_name", conferenceName,
			"kind", string(kind),
		)
		return nil
	}
	if err := r.bindLocked(ctx, conferenceName, kind, value); err != nil {
		return err
	}
	r.applyToSessionLocked(conferenceName, kind, value)
	return nil
}

// Drop removes every index entry referring to the session and any bindings
// still queued for it.
func (r *Registry) Drop(conferenceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, space := range r.byKind {
		for value, owner := range space {
			if owner == conferenceName {
				delete(r.byKind[kind], value)
			}
		}
	}
	delete(r.sessions, conferenceName)
	delete(r.pending, conferenceName)
}

// Update refreshes the cached copy of an already-registered session without
// touching bindings. Used by the session store after a patch.
func (r *Registry) Update(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ConferenceName]; ok {
		r.sessions[sess.ConferenceName] = sess.Clone()
	}
}

// Size returns the number of registered sessions. Diagnostics only.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// bindAllLocked binds every non-empty identifier the session carries.
func (r *Registry) bindAllLocked(ctx context.Context, sess *session.Session) error {
	name := sess.ConferenceName
	if name == "" {
		return fmt.Errorf("ident: session without conference name")
	}
	if err := r.bindLocked(ctx, name, KindConference, name); err != nil {
		return err
	}
	if err := r.bindLocked(ctx, name, KindCarrierLeg, sess.CarrierLegID); err != nil {
		return err
	}
	if err := r.bindLocked(ctx, name, KindMixer, sess.MixerID); err != nil {
		return err
	}
	return r.bindLocked(ctx, name, KindRealtimeCall, sess.RealtimeCallID)
}

// bindLocked inserts one binding, enforcing first-wins. Rebinding the same
// value to the same session is a no-op.
func (r *Registry) bindLocked(ctx context.Context, conferenceName string, kind Kind, value string) error {
	if value == "" {
		return nil
	}
	if owner, ok := r.byKind[kind][value]; ok {
		if owner == conferenceName {
			return nil
		}
		observe.Logger(ctx).Warn("ident: identifier collision, first binding wins",
			"kind", string(kind),
			"owner", owner,
			"claimant", conferenceName,
		)
		if r.metrics != nil {
			r.metrics.IdentifierCollisions.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %s already owned by %s, claimed by %s",
			ErrCollision, kind, owner, conferenceName)
	}
	r.byKind[kind][value] = conferenceName
	return nil
}

// applyToSessionLocked writes a merged identifier back onto the cached copy.
func (r *Registry) applyToSessionLocked(conferenceName string, kind Kind, value string) {
	sess := r.sessions[conferenceName]
	if sess == nil {
		return
	}
	switch kind {
	case KindCarrierLeg:
		sess.CarrierLegID = value
	case KindMixer:
		sess.MixerID = value
	case KindRealtimeCall:
		sess.RealtimeCallID = value
	}
}
