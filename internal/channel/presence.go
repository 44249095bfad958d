package channel

import (
	"encoding/json"
	"sync"

	"github.com/tomnagengast/revurb/internal/conn"
)

// presenceChannel tracks signed-in users and emits paired
// member_added/member_removed events when a user_id transitions between 0
// and >=1 connections (spec §3, §4.3). When cached is true this is the
// presence-cache variant and also replays the last externally-originated
// payload to new subscribers.
type presenceChannel struct {
	baseChannel
	cached bool

	mu        sync.Mutex
	userConns map[string]map[string]struct{} // user_id -> set of connection ids
	userInfo  map[string]json.RawMessage     // user_id -> last known user_info
	connUser  map[string]string              // connection id -> user_id

	lastPayload *Payload
}

type presenceChannelData struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

func decodeUserID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
		return n.String(), true
	}
	return "", false
}

func (p *presenceChannel) Subscribe(c *conn.Connection, auth string, channelData json.RawMessage) error {
	if len(channelData) == 0 {
		return &SubscriptionError{Message: "presence channel_data is required"}
	}

	var parsed presenceChannelData
	if err := json.Unmarshal(channelData, &parsed); err != nil {
		return &SubscriptionError{Message: "presence channel_data must be a JSON object"}
	}
	userID, ok := decodeUserID(parsed.UserID)
	if !ok {
		return &SubscriptionError{Message: "presence channel_data missing user_id"}
	}

	if err := VerifyAuth(p.app, c.ID, p.name, string(channelData), auth); err != nil {
		return err
	}

	p.mu.Lock()

	if p.userConns == nil {
		p.userConns = make(map[string]map[string]struct{})
	}
	if p.userInfo == nil {
		p.userInfo = make(map[string]json.RawMessage)
	}
	if p.connUser == nil {
		p.connUser = make(map[string]string)
	}

	preExisting := p.snapshot()
	p.addMember(c)

	isFirstConnForUser := len(p.userConns[userID]) == 0
	if p.userConns[userID] == nil {
		p.userConns[userID] = make(map[string]struct{})
	}
	p.userConns[userID][c.ID] = struct{}{}
	p.userInfo[userID] = parsed.UserInfo
	p.connUser[c.ID] = userID

	ids := sortedUserIDs(p.userConns)
	hash := make(map[string]json.RawMessage, len(p.userInfo))
	for uid, info := range p.userInfo {
		hash[uid] = info
	}
	lastPayload := p.lastPayload

	p.mu.Unlock()

	if isFirstConnForUser {
		memberAdded := struct {
			UserID   string          `json:"user_id"`
			UserInfo json.RawMessage `json:"user_info,omitempty"`
		}{UserID: userID, UserInfo: parsed.UserInfo}
		data, _ := json.Marshal(memberAdded)
		for _, m := range preExisting {
			m.Send(mustMarshalFrame("pusher_internal:member_added", p.name, data))
		}
	}

	succeeded := struct {
		Presence struct {
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
			Count int                        `json:"count"`
		} `json:"presence"`
	}{}
	succeeded.Presence.IDs = ids
	succeeded.Presence.Hash = hash
	succeeded.Presence.Count = len(ids)
	data, _ := json.Marshal(succeeded)
	c.Send(mustMarshalFrame("pusher_internal:subscription_succeeded", p.name, data))

	if p.cached {
		if lastPayload != nil {
			c.SendJSON(*lastPayload)
		} else {
			c.SendJSON(Payload{Event: "pusher:cache_miss", Channel: p.name})
		}
	}

	return nil
}

func (p *presenceChannel) Unsubscribe(c *conn.Connection) bool {
	p.mu.Lock()
	userID, hadUser := p.connUser[c.ID]
	delete(p.connUser, c.ID)
	removed := p.removeMember(c)

	lastForUser := false
	if hadUser {
		if set, ok := p.userConns[userID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(p.userConns, userID)
				delete(p.userInfo, userID)
				lastForUser = true
			}
		}
	}
	remaining := p.snapshot()
	p.mu.Unlock()

	if lastForUser {
		removedPayload := struct {
			UserID string `json:"user_id"`
		}{UserID: userID}
		data, _ := json.Marshal(removedPayload)
		for _, m := range remaining {
			m.Send(mustMarshalFrame("pusher_internal:member_removed", p.name, data))
		}
	}

	return removed
}

func (p *presenceChannel) Broadcast(payload Payload, except *conn.Connection) {
	if p.cached {
		p.mu.Lock()
		cp := payload
		p.lastPayload = &cp
		p.mu.Unlock()
	}
	p.fanout(payload, except)
}

func (p *presenceChannel) BroadcastInternally(payload Payload, except *conn.Connection) {
	p.fanout(payload, except)
}

func (p *presenceChannel) HasCachedPayload() bool {
	if !p.cached {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPayload != nil
}

func (p *presenceChannel) CachedPayload() (Payload, bool) {
	if !p.cached {
		return Payload{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPayload == nil {
		return Payload{}, false
	}
	return *p.lastPayload, true
}

// Users returns the set of signed-in user ids, for the HTTP control API's
// channel users endpoint (presence only).
func (p *presenceChannel) Users() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Member, 0, len(p.userConns))
	for _, id := range sortedUserIDs(p.userConns) {
		out = append(out, Member{UserID: id, UserInfo: p.userInfo[id]})
	}
	return out
}

func mustMarshalFrame(event, channel string, data json.RawMessage) []byte {
	b, _ := json.Marshal(Payload{Event: event, Channel: channel, Data: data})
	return b
}
