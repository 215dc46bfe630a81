package session

import (
	"sync"

	"github.com/barkerja/burrow/internal/id"
)

// Directory maps live session IDs to their Session, so other components
// (the request forwarder, admin endpoints) can reach a session's client
// without threading a reference through the registry.
type Directory struct {
	mu       sync.Mutex
	sessions map[id.ID]*Session
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[id.ID]*Session)}
}

func (d *Directory) register(s *Session) {
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
}

func (d *Directory) unregister(sessionID id.ID) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

// Get returns the live session for sessionID, if still connected.
func (d *Directory) Get(sessionID id.ID) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
