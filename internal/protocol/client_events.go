package protocol

import (
	"regexp"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
)

var clientEventName = regexp.MustCompile(`^client-[A-Za-z0-9_\-=@,.;]+$`)

// ClientEventHandler validates and fans out client-* events (spec §4.6).
type ClientEventHandler struct {
	Managers   Managers
	Dispatcher *dispatch.Dispatcher
	Logger     logging.Logger
}

func NewClientEventHandler(managers Managers, dispatcher *dispatch.Dispatcher, logger logging.Logger) *ClientEventHandler {
	return &ClientEventHandler{Managers: managers, Dispatcher: dispatcher, Logger: logger}
}

// Handle validates frame against the client-* rules and, on success, routes
// it through the Event Dispatcher with the sender excluded. Every rule
// failure sends a protocol error to the sender and silently drops the
// event rather than closing the connection.
func (h *ClientEventHandler) Handle(c *conn.Connection, frame Frame) {
	if !clientEventName.MatchString(frame.Event) {
		c.Send(ErrorFrame(ErrUnauthorized, "invalid client event name"))
		return
	}

	kind := channel.KindOf(frame.Channel)
	if !clientEventsAllowed(kind) {
		c.Send(ErrorFrame(ErrUnauthorized, "client events are not permitted on public channels"))
		return
	}

	mgr := h.Managers.For(c.App)
	ch := mgr.Find(frame.Channel)
	if ch == nil {
		c.Send(ErrorFrame(ErrUnauthorized, "not subscribed to channel"))
		return
	}
	if _, subscribed := ch.Members()[c.ID]; !subscribed {
		c.Send(ErrorFrame(ErrUnauthorized, "not subscribed to channel"))
		return
	}

	if int64(len(frame.Data)) > c.App.MaxMessageSize && c.App.MaxMessageSize > 0 {
		c.Send(ErrorFrame(ErrTooLarge, "client event payload too large"))
		return
	}

	if h.Dispatcher == nil {
		return
	}

	payload := channel.Payload{Event: frame.Event, Data: unwrapJSONString(frame.Data)}
	if err := h.Dispatcher.Dispatch(c.App, frame.Channel, payload, c, dispatch.OriginClient); err != nil && h.Logger != nil {
		h.Logger.Error(err, "event", "client_event_dispatch_failed", "channel", frame.Channel)
	}
}

func clientEventsAllowed(kind channel.Kind) bool {
	switch kind {
	case channel.KindPrivate, channel.KindPresence, channel.KindPrivateCache, channel.KindPresenceCache, channel.KindPrivateEncrypted:
		return true
	default:
		return false
	}
}
