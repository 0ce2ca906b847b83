package mcp

import "sync"

// SessionRegistry maps conductor session IDs to MCP client session IDs.
// Populated whenever a client drives a session through conductor.turn.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // conductor session → MCP client session
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a conductor session with a client session.
// A later client taking over the same conversation overwrites the mapping.
func (r *SessionRegistry) Register(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = clientID
}

// ClientFor returns the client driving the conductor session, if any.
func (r *SessionRegistry) ClientFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.sessions[sessionID]
	return cid, ok
}

// Forget drops the mapping of a finished or reset conductor session.
func (r *SessionRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// RemoveClient deletes every mapping pointing at a disconnected client.
func (r *SessionRegistry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, cid := range r.sessions {
		if cid == clientID {
			delete(r.sessions, sid)
		}
	}
}

// Len reports the number of mapped sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
