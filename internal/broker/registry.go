package broker

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Registry is the cluster-node-local directory of live sessions, keyed by
// client-id (spec.md §3: "at most one connected session per client-id
// cluster-wide"). Grounded on the teacher's Broker.Store/Get/Delete
// atomic-value, copy-on-write map pattern (internal/broker/session.go in
// the teacher): reads never block behind a writer, at the cost of an
// O(n) copy per mutation — acceptable because subscribe/unsubscribe/
// connect/disconnect are rare relative to publish-path reads.
type Registry struct {
	sessions atomic.Value // sessionMap
	mu       sync.Mutex   // serializes writers; readers never take it
}

type sessionMap map[string]*Session

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.sessions.Store(make(sessionMap))
	return r
}

// Store installs session under clientID, returning the prior session (if
// any) so the caller can take it over (spec.md §4.6 "Connecting ->
// Connected: ... if takeover, the prior owner is sent a session_takeover
// shutdown cause").
func (r *Registry) Store(clientID string, session *Session) (prior *Session, hadPrior bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.sessions.Load().(sessionMap)
	prior, hadPrior = current[clientID]

	updated := make(sessionMap, len(current)+1)
	maps.Copy(updated, current)
	updated[clientID] = session
	r.sessions.Store(updated)
	return prior, hadPrior
}

// Get looks up a session by client-id without blocking behind writers.
func (r *Registry) Get(clientID string) (*Session, bool) {
	current := r.sessions.Load().(sessionMap)
	s, ok := current[clientID]
	return s, ok
}

// Delete removes clientID from the registry, e.g. once a session is
// reaped (spec.md §3 Lifecycle).
func (r *Registry) Delete(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.sessions.Load().(sessionMap)
	if _, ok := current[clientID]; !ok {
		return
	}
	updated := make(sessionMap, len(current))
	maps.Copy(updated, current)
	delete(updated, clientID)
	r.sessions.Store(updated)
}

// Snapshot returns every currently-registered session, for reaper sweeps
// and admin `clients list` (spec.md §6).
func (r *Registry) Snapshot() []*Session {
	current := r.sessions.Load().(sessionMap)
	out := make([]*Session, 0, len(current))
	for _, s := range current {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.sessions.Load().(sessionMap))
}
