// Package registry tracks every accepted Connection, independent of
// channel membership. The WebSocket server is the authoritative owner of
// Connection lifetimes (spec §3 Ownership); this registry is the shared,
// read-mostly index that lifecycle jobs, graceful shutdown, the server's
// quota check, and the Pub/Sub Bridge's terminate handler use without
// reaching into the server internals. The HTTP control API does not use it;
// it sees connections only through the channel managers.
package registry

import (
	"sync"

	"github.com/tomnagengast/revurb/internal/conn"
)

// Connections indexes live connections by application id, then connection id.
type Connections struct {
	mu    sync.RWMutex
	byApp map[string]map[string]*conn.Connection
}

// New builds an empty registry.
func New() *Connections {
	return &Connections{byApp: make(map[string]map[string]*conn.Connection)}
}

// Add registers c under its application.
func (r *Connections) Add(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byApp[c.App.ID]
	if !ok {
		set = make(map[string]*conn.Connection)
		r.byApp[c.App.ID] = set
	}
	set[c.ID] = c
}

// Remove drops c from the registry. Safe to call more than once.
func (r *Connections) Remove(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byApp[c.App.ID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.byApp, c.App.ID)
	}
}

// ForApp returns a snapshot of every live connection for appID.
func (r *Connections) ForApp(appID string) []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byApp[appID]
	out := make([]*conn.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// CountForApp returns the number of live connections for appID, used to
// enforce Application.MaxConnections without materializing a slice.
func (r *Connections) CountForApp(appID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byApp[appID])
}

// All returns a snapshot of every live connection across every application,
// used by the lifecycle ping/prune pass.
func (r *Connections) All() []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.byApp {
		total += len(set)
	}
	out := make([]*conn.Connection, 0, total)
	for _, set := range r.byApp {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}
