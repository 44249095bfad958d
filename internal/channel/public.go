package channel

import (
	"encoding/json"

	"github.com/tomnagengast/revurb/internal/conn"
)

// publicChannel requires no auth and caches nothing.
type publicChannel struct {
	baseChannel
}

func (p *publicChannel) Subscribe(c *conn.Connection, auth string, channelData json.RawMessage) error {
	p.addMember(c) // no-op reply if already a member, per spec §5
	c.SendJSON(Payload{Event: "pusher_internal:subscription_succeeded", Channel: p.name})
	return nil
}

func (p *publicChannel) Unsubscribe(c *conn.Connection) bool {
	return p.removeMember(c)
}

func (p *publicChannel) Broadcast(payload Payload, except *conn.Connection) {
	p.fanout(payload, except)
}

func (p *publicChannel) BroadcastInternally(payload Payload, except *conn.Connection) {
	p.fanout(payload, except)
}

func (p *publicChannel) HasCachedPayload() bool        { return false }
func (p *publicChannel) CachedPayload() (Payload, bool) { return Payload{}, false }
