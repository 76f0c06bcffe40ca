package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

var (
	ErrNameTaken = errors.New("server: name already taken")
	ErrShutdown  = errors.New("server: shutting down")
)

// Registry is the authoritative set of active sessions. Every mutation and every
// read used for broadcast or listing goes through mu, so the uniqueness check and
// the insert of a login are one serialized step.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session // join order
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Insert creates and registers a session named name. It fails with ErrNameTaken
// when an active session already holds that name and with ErrShutdown once the
// registry is sealed.
func (r *Registry) Insert(name string, role model.Role, ep Endpoint) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, ErrShutdown
	}
	for _, s := range r.sessions {
		if s.name == name {
			return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
	}
	sess := newSession(name, role, ep)
	r.sessions = append(r.sessions, sess)
	return sess, nil
}

// Remove unregisters sess. Removing an absent session is a no-op; the return
// value reports whether sess was present.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions {
		if s == sess {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Seal refuses all future inserts. Used by shutdown.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy safe to iterate without holding the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	return len(r.Snapshot())
}

// Find reports whether sess is currently registered.
func (r *Registry) Find(sess *Session) bool {
	for _, s := range r.Snapshot() {
		if s == sess {
			return true
		}
	}
	return false
}

// Lookup returns the active session named name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	for _, s := range r.Snapshot() {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// Names returns display names in join order.
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, len(snap))
	for i, s := range snap {
		names[i] = s.name
	}
	return names
}
