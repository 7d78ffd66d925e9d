package vxgw

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// InMemoryVtepPool is an in-memory VtepPool: it records every Join snapshot
// and every Push to a joined session so tests can assert on them, and
// Abandon forgets the session, standing in for an OVSDB wire client against
// a map of active sessions keyed by an opaque id.
type InMemoryVtepPool struct {
	mu       sync.Mutex
	sessions map[string]session
}

type session struct {
	gw       VxGateway
	snapshot []vnet.MacLocation
	pushed   []vnet.MacLocation
}

// NewInMemoryVtepPool returns an empty pool.
func NewInMemoryVtepPool() *InMemoryVtepPool {
	return &InMemoryVtepPool{sessions: make(map[string]session)}
}

// Join records gw's snapshot under a freshly minted session id.
func (p *InMemoryVtepPool) Join(ctx context.Context, gw VxGateway, snapshot []vnet.MacLocation) (string, error) {
	id := uuid.NewString()
	cp := make([]vnet.MacLocation, len(snapshot))
	copy(cp, snapshot)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = session{gw: gw, snapshot: cp}
	return id, nil
}

// Abandon forgets sessionID.
func (p *InMemoryVtepPool) Abandon(ctx context.Context, gw VxGateway, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
	return nil
}

// Push records loc against sessionID.
func (p *InMemoryVtepPool) Push(ctx context.Context, sessionID string, loc vnet.MacLocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil
	}
	s.pushed = append(s.pushed, loc)
	p.sessions[sessionID] = s
	return nil
}

// Snapshot returns the MacLocations a session was joined with, for test
// assertions.
func (p *InMemoryVtepPool) Snapshot(sessionID string) []vnet.MacLocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vnet.MacLocation(nil), p.sessions[sessionID].snapshot...)
}

// Pushed returns every MacLocation pushed to a session so far, for test
// assertions.
func (p *InMemoryVtepPool) Pushed(sessionID string) []vnet.MacLocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vnet.MacLocation(nil), p.sessions[sessionID].pushed...)
}

// SessionIDs returns every currently-joined session id, for test assertions
// that need to find the session a Join call produced without threading it
// back through the caller.
func (p *InMemoryVtepPool) SessionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Active reports whether sessionID is still joined.
func (p *InMemoryVtepPool) Active(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}
