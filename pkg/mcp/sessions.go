package mcp

import "sync"

// SessionRegistry maps operator IDs to MCP session IDs. Populated
// automatically when operators call any tool that carries their identity.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // operatorID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an operator ID with a session ID. If the operator
// already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(operatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operatorID] = sessionID
}

// SessionFor returns the session ID for the given operator, if connected.
func (r *SessionRegistry) SessionFor(operatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operatorID]
	return sid, ok
}

// Remove deletes all operator mappings for the given session ID. Called
// when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for oid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, oid)
		}
	}
}
