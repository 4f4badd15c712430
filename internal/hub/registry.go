package hub

import (
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Session is one connected client as seen by the hub. Everything except the
// sink is copied out to callers; the sink stays with the registry.
type Session struct {
	ID          string
	Identity    chat.Identity
	ConnectedAt time.Time

	sink Sink
}

// Registry is the set of live sessions keyed by id. It is not safe for
// concurrent use; the hub's run loop is its only user.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts s, replacing any session with the same id.
func (r *Registry) Add(s *Session) {
	r.sessions[s.ID] = s
}

// Remove deletes the session and returns it, or nil when the id is not
// registered.
func (r *Registry) Remove(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns a frozen copy of the current members, safe to iterate
// while the registry is mutated.
func (r *Registry) Snapshot() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	return len(r.sessions)
}
