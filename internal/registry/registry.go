// Package registry owns the process-wide table of live Steam sessions.
// It is the single source of truth for "is this account currently live":
// every mutating remote operation consults it first, and its
// check-then-insert discipline is what serializes operations on a single
// account.
package registry

import (
	"sync"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/metrics"
)

type Registry struct {
	mu       sync.Mutex
	sessions map[domain.AccountKey]*domain.Session
}

func New() *Registry {
	return &Registry{sessions: make(map[domain.AccountKey]*domain.Session)}
}

// Add inserts the session, failing with KindAlreadyOnline if a live
// session already exists for the key. The prior handle is left untouched.
func (r *Registry) Add(session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Key]; exists {
		return domain.Ef(domain.KindAlreadyOnline, "account %s is already online", session.Key.AccountName)
	}
	r.sessions[session.Key] = session
	metrics.SessionsOnline.Set(float64(len(r.sessions)))
	return nil
}

// Get returns the live session for the key, or nil.
func (r *Registry) Get(key domain.AccountKey) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Remove removes and returns the prior handle so the caller can issue a
// disconnect on it. Returns nil if no session exists.
func (r *Registry) Remove(key domain.AccountKey) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[key]
	if !exists {
		return nil
	}
	delete(r.sessions, key)
	metrics.SessionsOnline.Set(float64(len(r.sessions)))
	return session
}

// RemoveIf removes the session only if it is still the given handle.
// Guards late-arriving cleanup against a newer session registered for the
// same key.
func (r *Registry) RemoveIf(key domain.AccountKey, session *domain.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.sessions[key]
	if !exists || current != session {
		return false
	}
	delete(r.sessions, key)
	metrics.SessionsOnline.Set(float64(len(r.sessions)))
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
