package live

import (
	"sync"
	"time"
)

// Registry is the process-wide index of live sessions. It carries no
// business logic; teardown goes through the orchestrator so that upstream
// and persistence cleanup run exactly once.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put inserts or replaces a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get looks up a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove deletes a session and reports whether it was present. This is the
// atomic remove-and-check that makes concurrent teardowns resolve to a
// single winner.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stale snapshots the sessions whose last activity is older than the
// threshold. The caller closes them outside the registry lock.
func (r *Registry) Stale(idleThreshold time.Duration, now time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Session
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) > idleThreshold {
			stale = append(stale, s)
		}
	}
	return stale
}
