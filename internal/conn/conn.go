// Package conn implements the per-socket Connection: id, app binding,
// activity tracking, and the send/close primitives the channel layer and
// protocol engine depend on (spec §3, §4.2).
package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tomnagengast/revurb/internal/apps"
)

// State is the activity state of a Connection, computed from last-seen
// time and ping_interval/has_been_pinged (spec §3).
type State int

const (
	Active State = iota
	Inactive
	Stale
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Connection is one per accepted WebSocket. Sends are funneled through a
// buffered channel drained by a single writer goroutine (owned by
// internal/wsserver) so concurrent broadcasters never touch the socket
// directly — grounded on the teacher's send-channel pattern in
// pkg/websocket/client.go.
type Connection struct {
	ID     string
	App    *apps.Application
	Origin string

	mu                sync.RWMutex
	lastSeenAt        time.Time
	hasBeenPinged     bool
	usesControlFrames bool
	userData          json.RawMessage

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	closeInfo CloseInfo
}

// CloseInfo records why a Connection was closed, for the writer goroutine
// to translate into a final pusher:error frame before terminating the
// socket.
type CloseInfo struct {
	Code   int
	Reason string
}

// New constructs a Connection bound to app, with sendBuffer outbound slots.
func New(id string, app *apps.Application, origin string, sendBuffer int) *Connection {
	return &Connection{
		ID:         id,
		App:        app,
		Origin:     origin,
		lastSeenAt: time.Now(),
		send:       make(chan []byte, sendBuffer),
		closed:     make(chan struct{}),
	}
}

// Send queues payload for delivery. It is a best-effort, non-blocking
// operation: if the outbound queue is full the connection is considered
// backpressured and is closed rather than let one slow peer stall a
// broadcast to everyone else (spec §5 Backpressure).
func (c *Connection) Send(payload []byte) {
	select {
	case <-c.closed:
		return // no-op on an already-closed connection
	default:
	}

	select {
	case c.send <- payload:
	default:
		c.Close(4301, "Message too large / backpressure")
	}
}

// SendJSON marshals v and sends it.
func (c *Connection) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Send(b)
	return nil
}

// Outbound exposes the send channel for the writer goroutine.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done signals when Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Close initiates idempotent shutdown. code/reason become a pusher:error
// frame when non-zero; the caller (wsserver) owns writing that frame and
// terminating the socket once this returns.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeInfo = CloseInfo{Code: code, Reason: reason}
		close(c.closed)
	})
}

// CloseInfo returns why the connection was closed. Only meaningful after
// Done() has fired.
func (c *Connection) CloseInfo() CloseInfo {
	return c.closeInfo
}

// Touch records inbound activity, matching spec §3's touch() transition:
// it clears has_been_pinged and refreshes last_seen_at.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeenAt = time.Now()
	c.hasBeenPinged = false
}

// MarkPinged records that a ping (protocol-level or RFC6455 control frame)
// has been issued since the last inbound activity.
func (c *Connection) MarkPinged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasBeenPinged = true
}

// MarkUsesControlFrames records that the peer responded to an RFC6455
// ping with a pong, so the protocol-level pusher:ping is suppressed for
// this connection (spec §4.9 step 5).
func (c *Connection) MarkUsesControlFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usesControlFrames = true
}

// UsesControlFrames reports whether RFC6455 control-frame pings suffice
// for this connection.
func (c *Connection) UsesControlFrames() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usesControlFrames
}

// State computes ACTIVE/INACTIVE/STALE from last-seen time and the app's
// ping_interval, per spec §3.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elapsed := time.Since(c.lastSeenAt)
	pingInterval := time.Duration(c.App.PingInterval) * time.Second

	if elapsed < pingInterval {
		return Active
	}
	if !c.hasBeenPinged {
		return Inactive
	}
	return Stale
}

// SetUserData stores the signed-in user descriptor set by pusher:signin.
func (c *Connection) SetUserData(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = data
}

// UserData returns the signed-in user descriptor, or nil if never signed in.
func (c *Connection) UserData() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userData
}

// UserID extracts the "user_id" field from UserData, if any. Used by the
// terminate-connections control-plane endpoint and the terminate pub/sub
// message to match signed-in users.
func (c *Connection) UserID() (string, bool) {
	data := c.UserData()
	if data == nil {
		return "", false
	}
	var v struct {
		UserID any `json:"user_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", false
	}
	switch id := v.UserID.(type) {
	case string:
		return id, id != ""
	case float64:
		return jsonNumberToString(id), true
	default:
		return "", false
	}
}

func jsonNumberToString(f float64) string {
	if f == float64(int64(f)) {
		return itoa(int64(f))
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
