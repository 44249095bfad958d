// Package protocol implements the WebSocket wire format and the pusher:*
// / client-* event routing described in spec §4.5, §4.6, §6.
package protocol

import "encoding/json"

// Protocol error codes, the minimum set the core emits (spec §6).
const (
	ErrOverQuota    = 4004
	ErrUnauthorized = 4009
	ErrGeneric      = 4200
	ErrPongTimeout  = 4201
	ErrTooLarge     = 4301
)

// Frame is the {event, channel?, data?} shape every inbound and outbound
// message takes on the wire (spec §6).
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorFrame builds a pusher:error frame for code/message.
func ErrorFrame(code int, message string) []byte {
	b, _ := json.Marshal(Frame{
		Event: "pusher:error",
		Data:  mustJSON(map[string]any{"code": code, "message": message}),
	})
	return b
}

// PingFrame builds the server-originated pusher:ping frame the lifecycle
// scanner sends to INACTIVE connections (spec §4.9 step 3).
func PingFrame() []byte {
	b, _ := json.Marshal(Frame{Event: "pusher:ping"})
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// unwrapJSONString implements the "data as a string MAY be itself JSON and
// MUST be re-parsed" rule (spec §6): if raw decodes to a JSON string, its
// contents are returned verbatim as the new raw bytes; otherwise raw is
// returned unchanged. This both normalizes object-vs-string payloads and
// preserves the exact byte sequence a client signed over (channel_data,
// signin user_data).
func unwrapJSONString(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	return json.RawMessage(s)
}
