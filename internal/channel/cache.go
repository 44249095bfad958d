package channel

import (
	"encoding/json"
	"sync"

	"github.com/tomnagengast/revurb/internal/conn"
)

// cacheChannel retains the last externally-originated broadcast and replays
// it to new subscribers, or emits pusher:cache_miss if none exists yet
// (spec §3, §4.3). When private is true this is the private-cache variant
// and subscribe additionally requires a valid auth signature.
type cacheChannel struct {
	baseChannel
	private bool

	mu          sync.Mutex
	lastPayload *Payload
}

func (ch *cacheChannel) Subscribe(c *conn.Connection, auth string, channelData json.RawMessage) error {
	if ch.private {
		if err := VerifyAuth(ch.app, c.ID, ch.name, "", auth); err != nil {
			return err
		}
	}

	ch.addMember(c)
	c.SendJSON(Payload{Event: "pusher_internal:subscription_succeeded", Channel: ch.name})

	ch.mu.Lock()
	last := ch.lastPayload
	ch.mu.Unlock()

	if last != nil {
		c.SendJSON(*last)
	} else {
		c.SendJSON(Payload{Event: "pusher:cache_miss", Channel: ch.name})
	}
	return nil
}

func (ch *cacheChannel) Unsubscribe(c *conn.Connection) bool {
	return ch.removeMember(c)
}

func (ch *cacheChannel) Broadcast(payload Payload, except *conn.Connection) {
	ch.mu.Lock()
	cp := payload
	ch.lastPayload = &cp
	ch.mu.Unlock()
	ch.fanout(payload, except)
}

func (ch *cacheChannel) BroadcastInternally(payload Payload, except *conn.Connection) {
	ch.fanout(payload, except)
}

func (ch *cacheChannel) HasCachedPayload() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastPayload != nil
}

func (ch *cacheChannel) CachedPayload() (Payload, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.lastPayload == nil {
		return Payload{}, false
	}
	return *ch.lastPayload, true
}
