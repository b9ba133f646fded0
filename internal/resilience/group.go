package resilience

import "sync"

// Dependency names used for the standard breaker set.
const (
	DepCarrier   = "carrier"
	DepRealtime  = "realtime"
	DepTicketing = "ticketing"
)

// Group holds one named [Breaker] per outbound dependency.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a Group containing a breaker for each supplied config.
func NewGroup(cfgs ...BreakerConfig) *Group {
	g := &Group{breakers: make(map[string]*Breaker, len(cfgs))}
	for _, cfg := range cfgs {
		g.breakers[cfg.Name] = NewBreaker(cfg)
	}
	return g
}

// Get returns the breaker for name, creating one with default settings on
// first use so callers never receive nil.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[name]
	if !ok {
		cb = NewBreaker(BreakerConfig{Name: name})
		g.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's current state, keyed by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.breakers))
	for name, cb := range g.breakers {
		out[name] = cb.State()
	}
	return out
}
