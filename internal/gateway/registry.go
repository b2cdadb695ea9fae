package gateway

import "sync"

// registry maps a user to their single live session. A second connection for
// the same user evicts the first.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// bind installs s as the user's session and returns the evicted one, if any.
func (r *registry) bind(userID string, s *session) *session {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if prev == s {
		return nil
	}
	return prev
}

// unbind removes s only while it is still the user's current session. The
// return value tells the caller whether the user is now offline.
func (r *registry) unbind(userID string, s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] != s {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *registry) get(userID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}
