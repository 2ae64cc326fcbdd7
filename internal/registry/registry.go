// Package registry maps transport session ids to live connections. It is
// in-process only and starts empty after a restart.
package registry

import (
	"sync"

	"github.com/mossy-p/presence-relay/internal/models"
)

// Conn is anything the relay can push events to: a websocket client or a
// fallback mailbox.
type Conn interface {
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg models.Outbound) bool
	Close()
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds sessionID to conn, replacing any previous binding.
func (r *Registry) Register(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sessionID] = conn
}

// Unregister removes sessionID and returns the connection it pointed to.
func (r *Registry) Unregister(sessionID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[sessionID]
	delete(r.conns, sessionID)
	return conn, ok
}

func (r *Registry) Get(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[sessionID]
	return conn, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
