package gateway

import (
	"errors"
	"sync"
)

// ErrDuplicateSession is returned when a stream identifier is registered
// twice.
var ErrDuplicateSession = errors.New("gateway: duplicate session for stream")

// Registry tracks the active call sessions by stream identifier.
//
// All methods are safe for concurrent use. Registration and removal for the
// same stream never race: both happen from that stream's connection
// goroutine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Register adds the session under its stream identifier. It fails with
// [ErrDuplicateSession] if the identifier is already present.
func (r *Registry) Register(streamID string, cs *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[streamID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[streamID] = cs
	return nil
}

// Lookup returns the session registered under streamID, if any.
func (r *Registry) Lookup(streamID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.sessions[streamID]
	return cs, ok
}

// Remove deletes the session registered under streamID. Removing an unknown
// identifier is a no-op.
func (r *Registry) Remove(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamID)
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every active session. fn must not call back into the
// Registry.
func (r *Registry) Each(fn func(cs *CallSession)) {
	r.mu.RLock()
	snapshot := make([]*CallSession, 0, len(r.sessions))
	for _, cs := range r.sessions {
		snapshot = append(snapshot, cs)
	}
	r.mu.RUnlock()

	for _, cs := range snapshot {
		fn(cs)
	}
}
