package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
)

// Managers resolves the per-Application Channel Manager a subscribe or
// unsubscribe event is delegated to. *dispatch.ManagerRegistry satisfies
// this.
type Managers interface {
	For(app *apps.Application) *channel.Manager
}

// EventHandler routes inbound pusher:* control events and the initial
// connection_established greeting (spec §4.5).
type EventHandler struct {
	Managers   Managers
	ClientFeed *ClientEventHandler
	Logger     logging.Logger
}

// NewEventHandler wires an EventHandler. dispatcher may be nil only in
// tests that never exercise client-* events.
func NewEventHandler(managers Managers, dispatcher *dispatch.Dispatcher, logger logging.Logger) *EventHandler {
	return &EventHandler{
		Managers:   managers,
		ClientFeed: NewClientEventHandler(managers, dispatcher, logger),
		Logger:     logger,
	}
}

// ConnectionEstablished builds the server-originated greeting frame sent
// once per accepted connection.
func ConnectionEstablished(c *conn.Connection) []byte {
	b, _ := json.Marshal(Frame{
		Event: "pusher:connection_established",
		Data:  mustJSON(map[string]any{"socket_id": c.ID, "activity_timeout": c.App.ActivityTimeout}),
	})
	return b
}

// Handle decodes raw as a Frame and routes it. It returns nothing: protocol-
// level client mistakes become pusher:error (or subscription_error) frames
// sent back to c, and the connection is left open.
func (h *EventHandler) Handle(c *conn.Connection, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.Send(ErrorFrame(ErrGeneric, "malformed frame"))
		return
	}

	switch {
	case frame.Event == "pusher:ping":
		c.Touch()
		c.Send(mustFrame("pusher:pong", nil))
	case frame.Event == "pusher:pong":
		c.Touch()
	case frame.Event == "pusher:subscribe":
		h.handleSubscribe(c, frame.Data)
	case frame.Event == "pusher:unsubscribe":
		h.handleUnsubscribe(c, frame.Data)
	case frame.Event == "pusher:signin":
		h.handleSignin(c, frame.Data)
	case strings.HasPrefix(frame.Event, "client-"):
		h.ClientFeed.Handle(c, frame)
	case strings.HasPrefix(frame.Event, "pusher:"):
		c.Send(ErrorFrame(ErrUnauthorized, "unknown control event"))
	default:
		if h.Logger != nil {
			h.Logger.Debug("dropping frame with unrecognized event name", "event", frame.Event)
		}
	}
}

type subscribeRequest struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

func (h *EventHandler) handleSubscribe(c *conn.Connection, data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		c.Send(subscriptionErrorFrame("", "bad_request", "malformed subscribe payload", 400))
		return
	}

	channelData := unwrapJSONString(req.ChannelData)
	mgr := h.Managers.For(c.App)
	if err := mgr.Subscribe(c, req.Channel, req.Auth, channelData); err != nil {
		h.replySubscriptionError(c, req.Channel, err)
	}
}

func (h *EventHandler) replySubscriptionError(c *conn.Connection, channelName string, err error) {
	switch e := err.(type) {
	case *channel.Unauthorized:
		c.Send(subscriptionErrorFrame(channelName, "unauthorized", e.Message, 401))
	case *channel.SubscriptionError:
		c.Send(subscriptionErrorFrame(channelName, "bad_request", e.Message, 400))
	default:
		c.Send(subscriptionErrorFrame(channelName, "error", err.Error(), 500))
	}
}

func subscriptionErrorFrame(channelName, kind, message string, status int) []byte {
	b, _ := json.Marshal(Frame{
		Event:   "pusher_internal:subscription_error",
		Channel: channelName,
		Data:    mustJSON(map[string]any{"type": kind, "error": message, "status": status}),
	})
	return b
}

type unsubscribeRequest struct {
	Channel string `json:"channel"`
}

func (h *EventHandler) handleUnsubscribe(c *conn.Connection, data json.RawMessage) {
	var req unsubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		return
	}
	h.Managers.For(c.App).Unsubscribe(c, req.Channel)
}

type signinRequest struct {
	Auth     string          `json:"auth"`
	UserData json.RawMessage `json:"user_data"`
}

func (h *EventHandler) handleSignin(c *conn.Connection, data json.RawMessage) {
	var req signinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(ErrorFrame(ErrUnauthorized, "malformed signin payload"))
		return
	}

	userData := unwrapJSONString(req.UserData)
	toSign := c.ID + "::user::" + string(userData)
	mac := hmac.New(sha256.New, []byte(c.App.Secret))
	mac.Write([]byte(toSign))
	expected := c.App.Key + ":" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(req.Auth)) {
		c.Send(ErrorFrame(ErrUnauthorized, "invalid signin signature"))
		return
	}

	c.SetUserData(userData)
	b, _ := json.Marshal(Frame{
		Event: "pusher:signin_success",
		Data:  mustJSON(map[string]any{"user_data": string(userData)}),
	})
	c.Send(b)
}

func mustFrame(event string, data json.RawMessage) []byte {
	b, _ := json.Marshal(Frame{Event: event, Data: data})
	return b
}
