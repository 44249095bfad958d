package channel

import (
	"encoding/json"
	"sync"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
)

// Observer receives channel lifecycle notifications (ChannelCreated,
// ChannelRemoved) so metrics and logging can hook in without the Manager
// needing to know about either. Message-level events are not reported here.
type Observer interface {
	ChannelCreated(appID, name string)
	ChannelRemoved(appID, name string)
}

// noopObserver is used when the caller doesn't care.
type noopObserver struct{}

func (noopObserver) ChannelCreated(string, string) {}
func (noopObserver) ChannelRemoved(string, string) {}

// Manager is the per-Application channel registry: name -> Channel, plus a
// reverse index of connection id -> channel names it occupies (spec §4.4).
// No channel exists with zero members; the Manager creates one on first
// subscribe and drops it on last unsubscribe.
type Manager struct {
	app      *apps.Application
	observer Observer

	mu       sync.RWMutex
	channels map[string]Channel
	byConn   map[string]map[string]struct{} // connection id -> channel names
}

// NewManager builds an empty Manager for app.
func NewManager(app *apps.Application, observer Observer) *Manager {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Manager{
		app:      app,
		observer: observer,
		channels: make(map[string]Channel),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Subscribe creates the channel on demand (factory rules in §4.3) and
// delegates to channel.Subscribe. Errors from Subscribe propagate
// unchanged; the channel manager does not translate them.
func (m *Manager) Subscribe(c *conn.Connection, name string, auth string, data json.RawMessage) error {
	m.mu.Lock()
	ch, existed := m.channels[name]
	if !existed {
		newCh, err := New(name, m.app)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		ch = newCh
		m.channels[name] = ch
	}
	m.mu.Unlock()

	if err := ch.Subscribe(c, auth, data); err != nil {
		// Roll back a channel we created speculatively but never got a
		// member, so we don't leave an empty channel behind.
		if !existed {
			m.mu.Lock()
			if ch2, ok := m.channels[name]; ok && ch2.MemberCount() == 0 {
				delete(m.channels, name)
			}
			m.mu.Unlock()
		}
		return err
	}

	if !existed {
		m.observer.ChannelCreated(m.app.ID, name)
	}

	m.mu.Lock()
	if m.byConn[c.ID] == nil {
		m.byConn[c.ID] = make(map[string]struct{})
	}
	m.byConn[c.ID][name] = struct{}{}
	m.mu.Unlock()

	return nil
}

// Unsubscribe delegates to the channel, then removes the channel entirely
// if its member set became empty.
func (m *Manager) Unsubscribe(c *conn.Connection, name string) {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ch.Unsubscribe(c)

	m.mu.Lock()
	if set, ok := m.byConn[c.ID]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(m.byConn, c.ID)
		}
	}
	removed := false
	if ch.MemberCount() == 0 {
		delete(m.channels, name)
		removed = true
	}
	m.mu.Unlock()

	if removed {
		m.observer.ChannelRemoved(m.app.ID, name)
	}
}

// UnsubscribeFromAll unsubscribes c from every channel it occupies. It must
// complete before the connection's resources are released (spec §4.4).
func (m *Manager) UnsubscribeFromAll(c *conn.Connection) {
	m.mu.RLock()
	names := make([]string, 0, len(m.byConn[c.ID]))
	for name := range m.byConn[c.ID] {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Unsubscribe(c, name)
	}
}

// Find returns the channel by name, or nil if it doesn't exist.
func (m *Manager) Find(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// All returns every occupied channel.
func (m *Manager) All() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Connections returns the union of members across all channels, deduplicated
// by connection id, for control-plane endpoints that enumerate connections.
func (m *Manager) Connections() map[string]*conn.Connection {
	m.mu.RLock()
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	out := make(map[string]*conn.Connection)
	for _, ch := range channels {
		for id, c := range ch.Members() {
			out[id] = c
		}
	}
	return out
}
