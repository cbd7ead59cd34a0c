// Package server implements the session-scoped streamable HTTP transport:
// the session registry, the per-session transport state machine and the
// HTTP multiplexer binding them to a single endpoint.
package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
)

// SessionRegistry is the authoritative in-memory index from session id to
// the transport currently bound under it. All methods are safe for
// concurrent use; mutations are visible to concurrent readers as soon as
// they return.
type SessionRegistry struct {
	mu         sync.RWMutex
	transports map[string]*StreamableTransport
}

// NewSessionRegistry creates an empty registry. One registry is
// constructed at process start and injected into the HTTP server; tests
// may construct as many isolated registries as they need.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		transports: make(map[string]*StreamableTransport),
	}
}

// NewSessionID mints a new session identifier. Version 4 UUIDs are drawn
// from crypto/rand, so ids are both collision-resistant and unguessable.
func (r *SessionRegistry) NewSessionID() string {
	return uuid.New().String()
}

// Register inserts the transport under the given id. The id space makes
// collisions negligible, but the invariant is still enforced: an id that
// is already present fails with ErrDuplicateSession.
func (r *SessionRegistry) Register(id string, t *StreamableTransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transports[id]; ok {
		return domain.ErrDuplicateSession
	}
	r.transports[id] = t
	return nil
}

// Lookup retrieves the transport bound under id.
func (r *SessionRegistry) Lookup(id string) (*StreamableTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	return t, ok
}

// Evict removes the transport bound under id. It is idempotent so the
// close callback and an external termination call may both run it.
func (r *SessionRegistry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Count returns the number of currently bound sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}

// CloseAll terminates every bound session. Used on server shutdown.
func (r *SessionRegistry) CloseAll() {
	for _, t := range r.snapshot() {
		t.Close()
	}
}

// snapshot copies the current transport set so callers can iterate
// without holding the registry lock. Close paths re-enter the registry
// through Evict.
func (r *SessionRegistry) snapshot() []*StreamableTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transports := make([]*StreamableTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	return transports
}
