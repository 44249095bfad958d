// Package channel implements the six Pusher channel variants and the
// per-Application Channel Manager that owns them (spec §3, §4.3, §4.4).
package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
)

// Kind identifies a channel variant.
type Kind int

const (
	KindPublic Kind = iota
	KindPrivate
	KindPresence
	KindCache
	KindPrivateCache
	KindPresenceCache
	KindPrivateEncrypted
)

// Name prefixes, checked most-specific-first (spec §4.3).
const (
	prefixPrivateEncrypted = "private-encrypted-"
	prefixPrivateCache     = "private-cache-"
	prefixPresenceCache    = "presence-cache-"
	prefixCache            = "cache-"
	prefixPrivate          = "private-"
	prefixPresence         = "presence-"
)

// KindOf classifies a channel name by its prefix, most specific first.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, prefixPrivateEncrypted):
		return KindPrivateEncrypted
	case strings.HasPrefix(name, prefixPrivateCache):
		return KindPrivateCache
	case strings.HasPrefix(name, prefixPresenceCache):
		return KindPresenceCache
	case strings.HasPrefix(name, prefixCache):
		return KindCache
	case strings.HasPrefix(name, prefixPrivate):
		return KindPrivate
	case strings.HasPrefix(name, prefixPresence):
		return KindPresence
	default:
		return KindPublic
	}
}

func (k Kind) requiresAuth() bool {
	switch k {
	case KindPrivate, KindPresence, KindPrivateCache, KindPresenceCache, KindPrivateEncrypted:
		return true
	default:
		return false
	}
}

func (k Kind) isPresence() bool {
	return k == KindPresence || k == KindPresenceCache
}

func (k Kind) isCache() bool {
	return k == KindCache || k == KindPrivateCache || k == KindPresenceCache
}

// SubscriptionError is raised for malformed subscribe requests (e.g. a
// presence channel_data missing user_id). It must not close the connection.
type SubscriptionError struct {
	Message string
}

func (e *SubscriptionError) Error() string { return e.Message }

// Unauthorized is raised when an auth signature fails verification. Pusher
// code 4009.
type Unauthorized struct {
	Message string
}

func (e *Unauthorized) Error() string { return e.Message }

// Payload is the {event, channel, data} shape sent to members and cached by
// cache channels.
type Payload struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Member is a presence-channel participant.
type Member struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// Channel is the common contract every variant satisfies (spec §4.3).
type Channel interface {
	Name() string
	Kind() Kind
	Subscribe(c *conn.Connection, auth string, channelData json.RawMessage) error
	Unsubscribe(c *conn.Connection) (removedMember bool)
	Broadcast(payload Payload, except *conn.Connection)
	BroadcastInternally(payload Payload, except *conn.Connection)
	Members() map[string]*conn.Connection
	MemberCount() int
	HasCachedPayload() bool
	CachedPayload() (Payload, bool)
}

// baseChannel implements the bookkeeping shared by every variant:
// membership, auth verification, and broadcast fanout. Variants compose it
// rather than inherit from it, since Go has no subclassing.
type baseChannel struct {
	name string
	kind Kind
	app  *apps.Application

	mu      sync.RWMutex
	members map[string]*conn.Connection
}

func newBase(name string, kind Kind, app *apps.Application) baseChannel {
	return baseChannel{
		name:    name,
		kind:    kind,
		app:     app,
		members: make(map[string]*conn.Connection),
	}
}

func (b *baseChannel) Name() string { return b.name }
func (b *baseChannel) Kind() Kind   { return b.kind }

func (b *baseChannel) Members() map[string]*conn.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*conn.Connection, len(b.members))
	for id, c := range b.members {
		out[id] = c
	}
	return out
}

func (b *baseChannel) MemberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

// addMember returns false if the connection was already a member (a
// subscribe that observes an existing membership is a no-op, per spec §5).
func (b *baseChannel) addMember(c *conn.Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.members[c.ID]; ok {
		return false
	}
	b.members[c.ID] = c
	return true
}

// removeMember returns false if the connection was not a member (unsubscribe
// is idempotent).
func (b *baseChannel) removeMember(c *conn.Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.members[c.ID]; !ok {
		return false
	}
	delete(b.members, c.ID)
	return true
}

func (b *baseChannel) snapshot() []*conn.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(b.members))
	for _, c := range b.members {
		out = append(out, c)
	}
	return out
}

func (b *baseChannel) fanout(payload Payload, except *conn.Connection) {
	payload.Channel = b.name
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, c := range b.snapshot() {
		if except != nil && c.ID == except.ID {
			continue
		}
		c.Send(raw)
	}
}

// VerifyAuth checks the Pusher-style HMAC-SHA256 signature for private and
// presence subscribes (spec §4.3). toSign is "{socket_id}:{channel_name}"
// optionally suffixed with ":{channel_data_json}" for presence channels.
func VerifyAuth(app *apps.Application, socketID, channelName, channelDataJSON, auth string) error {
	toSign := socketID + ":" + channelName
	if channelDataJSON != "" {
		toSign += ":" + channelDataJSON
	}

	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(toSign))
	expected := app.Key + ":" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(auth)) {
		return &Unauthorized{Message: "invalid signature"}
	}
	return nil
}

// New builds the correct variant for name via the most-specific-first
// prefix rules in spec §4.3.
func New(name string, app *apps.Application) (Channel, error) {
	kind := KindOf(name)
	base := newBase(name, kind, app)

	switch kind {
	case KindPublic:
		return &publicChannel{baseChannel: base}, nil
	case KindPrivate:
		return &privateChannel{baseChannel: base}, nil
	case KindPresence:
		return &presenceChannel{baseChannel: base, userConns: make(map[string]map[string]struct{})}, nil
	case KindCache:
		return &cacheChannel{baseChannel: base}, nil
	case KindPrivateCache:
		return &cacheChannel{baseChannel: base, private: true}, nil
	case KindPresenceCache:
		return &presenceChannel{baseChannel: base, userConns: make(map[string]map[string]struct{}), cached: true}, nil
	case KindPrivateEncrypted:
		return nil, &SubscriptionError{Message: "private-encrypted channels are not enabled"}
	default:
		return nil, fmt.Errorf("revurb: unrecognized channel kind for %q", name)
	}
}

// sortedUserIDs is a small helper used by presence subscription_succeeded
// payloads to produce deterministic ordering for tests and log readability.
func sortedUserIDs(m map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
