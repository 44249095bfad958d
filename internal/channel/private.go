package channel

import (
	"encoding/json"

	"github.com/tomnagengast/revurb/internal/conn"
)

// privateChannel requires an auth signature at subscribe time but tracks
// no presence data and caches no payload.
type privateChannel struct {
	baseChannel
}

func (p *privateChannel) Subscribe(c *conn.Connection, auth string, channelData json.RawMessage) error {
	if err := VerifyAuth(p.app, c.ID, p.name, "", auth); err != nil {
		return err
	}
	p.addMember(c)
	c.SendJSON(Payload{Event: "pusher_internal:subscription_succeeded", Channel: p.name})
	return nil
}

func (p *privateChannel) Unsubscribe(c *conn.Connection) bool {
	return p.removeMember(c)
}

func (p *privateChannel) Broadcast(payload Payload, except *conn.Connection) {
	p.fanout(payload, except)
}

func (p *privateChannel) BroadcastInternally(payload Payload, except *conn.Connection) {
	p.fanout(payload, except)
}

func (p *privateChannel) HasCachedPayload() bool        { return false }
func (p *privateChannel) CachedPayload() (Payload, bool) { return Payload{}, false }
