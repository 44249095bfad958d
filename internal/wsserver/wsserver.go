// Package wsserver accepts WebSocket upgrades on /app/{app_key} and drives
// each connection's reader/writer goroutines (spec §4.9), grounded on the
// teacher's pkg/websocket/client.go readPump + handleConnection split. The
// connection limit and origin check run after the upgrade completes, so a
// rejection reaches the client as a pusher:error frame.
package wsserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Handler decodes and reacts to one inbound frame (*protocol.EventHandler
// satisfies this).
type Handler interface {
	Handle(c *conn.Connection, raw []byte)
}

// Metrics receives connection and frame lifecycle events
// (*metrics.Prometheus satisfies this without wsserver importing metrics).
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionError(kind string)
	MessageReceived(size int)
	MessageSent()
}

// Server accepts WebSocket upgrades for every configured Application.
type Server struct {
	apps        *apps.Registry
	managers    *dispatch.ManagerRegistry
	connections *registry.Connections
	handler     Handler
	logger      logging.Logger

	upgrader websocket.Upgrader

	metrics Metrics

	mu       sync.Mutex
	draining bool
}

// New builds a Server. handler is typically a *protocol.EventHandler.
func New(appRegistry *apps.Registry, managers *dispatch.ManagerRegistry, connections *registry.Connections, handler Handler, logger logging.Logger) *Server {
	return &Server{
		apps:        appRegistry,
		managers:    managers,
		connections: connections,
		handler:     handler,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // origin allow-list is enforced after upgrade lookup below
		},
	}
}

// SetMetrics wires connection/frame counters in after construction, the same
// late-binding pattern as ManagerRegistry.SetObserver.
func (s *Server) SetMetrics(m Metrics) {
	s.metrics = m
}

// Handler returns an http.Handler serving /app/{app_key}, suitable for
// mounting on a ServeMux alongside internal/httpapi's router.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveUpgrade)
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	appKey := strings.TrimPrefix(r.URL.Path, "/app/")
	if appKey == "" || appKey == r.URL.Path {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	app, err := s.apps.FindByKey(appKey)
	if err != nil {
		http.Error(w, "unknown app_key", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(err, "event", "websocket_upgrade_failed")
		}
		return
	}

	origin := r.Header.Get("Origin")
	id, err := newSocketID()
	if err != nil {
		wsConn.Close()
		return
	}
	c := conn.New(id, app, origin, sendBufferSize)

	// Spec §4.9 steps 1-2: quota then origin, both checked post-upgrade so
	// the rejection itself travels as a protocol-level pusher:error frame
	// rather than a bare HTTP status.
	if !app.UnderQuota(s.connections.CountForApp(app.ID)) {
		if s.metrics != nil {
			s.metrics.ConnectionError("quota")
		}
		c.Close(protocol.ErrOverQuota, "application is over its connection quota")
		s.rejectAfterUpgrade(wsConn, c)
		return
	}
	if !app.OriginAllowed(origin) {
		if s.metrics != nil {
			s.metrics.ConnectionError("origin")
		}
		c.Close(protocol.ErrUnauthorized, "origin not allowed")
		s.rejectAfterUpgrade(wsConn, c)
		return
	}

	s.connections.Add(c)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	c.Send(protocol.ConnectionEstablished(c))

	go s.writePump(wsConn, c)
	s.readPump(wsConn, c)
}

// readPump is the single reader goroutine per connection (spec §4.9 step
// 4-5): it owns the gorilla connection's read side, enforces max message
// size, and routes RFC 6455 control frames separately from protocol-level
// frames.
func (s *Server) readPump(wsConn *websocket.Conn, c *conn.Connection) {
	wsConn.SetReadLimit(c.App.MaxMessageSize)
	activityTimeout := time.Duration(c.App.ActivityTimeout) * time.Second
	wsConn.SetReadDeadline(time.Now().Add(activityTimeout))
	wsConn.SetPongHandler(func(string) error {
		c.Touch()
		c.MarkUsesControlFrames()
		wsConn.SetReadDeadline(time.Now().Add(activityTimeout))
		return nil
	})

	defer func() {
		s.managers.For(c.App).UnsubscribeFromAll(c)
		s.connections.Remove(c)
		c.Close(c.CloseInfo().Code, c.CloseInfo().Reason)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		s.finalize(wsConn, c)
	}()

	for {
		msgType, raw, err := wsConn.ReadMessage()
		if err != nil {
			if isReadLimitExceeded(err) {
				c.Close(protocol.ErrTooLarge, "message exceeds the maximum allowed size")
			}
			return
		}
		if int64(len(raw)) > c.App.MaxMessageSize {
			c.Close(protocol.ErrTooLarge, "message exceeds the maximum allowed size")
			return
		}
		if msgType != websocket.TextMessage {
			c.Close(protocol.ErrGeneric, "binary frames are not supported")
			return
		}

		if s.metrics != nil {
			s.metrics.MessageReceived(len(raw))
		}
		c.Touch()
		s.handler.Handle(c, raw)

		select {
		case <-c.Done():
			return
		default:
		}
	}
}

// writePump is the single writer goroutine per connection, draining
// Connection.Outbound() until Done fires, matching the teacher's
// select-loop in handleConnection. It also drives the RFC 6455 control-frame
// ping on a ticker the way the teacher's handleConnection does, which is
// what readPump's SetPongHandler (and MarkUsesControlFrames) actually has
// to respond to.
func (s *Server) writePump(wsConn *websocket.Conn, c *conn.Connection) {
	activityTimeout := time.Duration(c.App.ActivityTimeout) * time.Second
	pingPeriod := activityTimeout * 9 / 10
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-c.Outbound():
			if !ok {
				return
			}
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.MessageSent()
			}
		case <-pingTicker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			info := c.CloseInfo()
			if info.Code != 0 {
				wsConn.SetWriteDeadline(time.Now().Add(writeWait))
				wsConn.WriteMessage(websocket.TextMessage, protocol.ErrorFrame(info.Code, info.Reason))
			}
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) finalize(wsConn *websocket.Conn, c *conn.Connection) {
	wsConn.Close()
}

// rejectAfterUpgrade writes the pusher:error frame for a connection closed
// before it was ever registered (quota/origin rejection) and tears down the
// socket; there's no writer goroutine for it yet.
func (s *Server) rejectAfterUpgrade(wsConn *websocket.Conn, c *conn.Connection) {
	info := c.CloseInfo()
	wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	wsConn.WriteMessage(websocket.TextMessage, protocol.ErrorFrame(info.Code, info.Reason))
	wsConn.Close()
}

// Shutdown stops accepting new upgrades; in-flight connections are drained
// by internal/lifecycle.Shutdown, which this server's connections registry
// feeds.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

func newSocketID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// isReadLimitExceeded reports whether err is gorilla's unexported
// read-limit-exceeded error from ReadMessage. gorilla doesn't export a
// sentinel for this, so the only stable check available from outside the
// package is the error text it has always returned.
func isReadLimitExceeded(err error) bool {
	return strings.Contains(err.Error(), "read limit exceeded")
}
