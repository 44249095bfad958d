// Package httpapi implements the HTTP Control API (spec §4.10): trigger
// events, enumerate channels/connections/presence users, terminate a
// user's connections, and a liveness probe. Grounded on the teacher's
// internal/server/server.go - a flat net/http.ServeMux of HandleFunc
// routes plus a CORS-style wrapping middleware - generalized from a single
// fixed deployment to the Pusher-style per-request HMAC signature scheme
// spec §4.10 requires.
package httpapi

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/pkg/bufpool"
)

// responsePool reuses the small JSON response buffers every control API
// handler writes, since each one is fully flushed to the ResponseWriter
// before the buffer goes back to the pool.
var responsePool = bufpool.New()

// maxSkew bounds the allowed drift between auth_timestamp and now (spec §4.10).
const maxSkew = 600 * time.Second

// Router builds the Control API's http.Handler.
type Router struct {
	apps     *apps.Registry
	managers *dispatch.ManagerRegistry
	dispatch *dispatch.Dispatcher
	logger   logging.Logger

	mux *http.ServeMux
}

// New wires a Router. dispatcher is used by the trigger endpoints.
func New(appRegistry *apps.Registry, managers *dispatch.ManagerRegistry, dispatcher *dispatch.Dispatcher, logger logging.Logger) *Router {
	r := &Router{apps: appRegistry, managers: managers, dispatch: dispatcher, logger: logger}
	r.mux = http.NewServeMux()
	r.mux.HandleFunc("/up", r.handleUp)
	r.mux.HandleFunc("/apps/", r.authenticated(r.dispatchAppsRoute))
	return r
}

func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) handleUp(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"health": "OK"})
}

// dispatchAppsRoute routes every /apps/{app_id}/... request by method and
// trailing path shape, in the teacher's hand-parsed style (see
// pkg/websocket/client.go's extractMessageType/indexOf).
func (r *Router) dispatchAppsRoute(w http.ResponseWriter, req *http.Request, app *apps.Application) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/apps/"), "/"), "/")
	if len(segments) < 2 || segments[0] != app.ID {
		http.NotFound(w, req)
		return
	}
	rest := segments[1:]

	switch {
	case req.Method == http.MethodGet && len(rest) == 1 && rest[0] == "channels":
		r.handleListChannels(w, req, app)
	case req.Method == http.MethodGet && len(rest) == 2 && rest[0] == "channels":
		r.handleChannelDetail(w, req, app, rest[1])
	case req.Method == http.MethodGet && len(rest) == 3 && rest[0] == "channels" && rest[2] == "users":
		r.handleChannelUsers(w, req, app, rest[1])
	case req.Method == http.MethodGet && len(rest) == 1 && rest[0] == "connections":
		r.handleConnections(w, req, app)
	case req.Method == http.MethodPost && len(rest) == 1 && rest[0] == "events":
		r.handleTriggerEvent(w, req, app)
	case req.Method == http.MethodPost && len(rest) == 1 && rest[0] == "batch_events":
		r.handleBatchEvents(w, req, app)
	case req.Method == http.MethodDelete && len(rest) == 3 && rest[0] == "users" && rest[2] == "terminate_connections":
		r.handleTerminateConnections(w, req, app, rest[1])
	default:
		http.NotFound(w, req)
	}
}

type channelInfo struct {
	Occupied          *bool `json:"occupied,omitempty"`
	UserCount         *int  `json:"user_count,omitempty"`
	SubscriptionCount *int  `json:"subscription_count,omitempty"`
	Cache             *bool `json:"cache,omitempty"`
}

func (r *Router) handleListChannels(w http.ResponseWriter, req *http.Request, app *apps.Application) {
	mgr := r.managers.Find(app.ID)
	prefix := req.URL.Query().Get("filter_by_prefix")
	fields := splitCSV(req.URL.Query().Get("info"))

	out := make(map[string]channelInfo)
	if mgr != nil {
		for _, ch := range mgr.All() {
			if prefix != "" && !strings.HasPrefix(ch.Name(), prefix) {
				continue
			}
			out[ch.Name()] = buildChannelInfo(ch, fields, false)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (r *Router) handleChannelDetail(w http.ResponseWriter, req *http.Request, app *apps.Application, name string) {
	mgr := r.managers.Find(app.ID)
	var ch channel.Channel
	if mgr != nil {
		ch = mgr.Find(name)
	}
	fields := splitCSV(req.URL.Query().Get("info"))
	writeJSON(w, http.StatusOK, buildChannelInfo(ch, fields, true))
}

func buildChannelInfo(ch channel.Channel, fields []string, includeOccupied bool) channelInfo {
	info := channelInfo{}
	occupied := ch != nil
	if includeOccupied {
		info.Occupied = &occupied
	}
	if ch == nil {
		return info
	}
	for _, f := range fields {
		switch f {
		case "user_count":
			if up, ok := ch.(interface{ Users() []channel.Member }); ok {
				n := len(up.Users())
				info.UserCount = &n
			}
		case "subscription_count":
			n := ch.MemberCount()
			info.SubscriptionCount = &n
		case "cache":
			c := ch.HasCachedPayload()
			info.Cache = &c
		}
	}
	return info
}

func (r *Router) handleChannelUsers(w http.ResponseWriter, req *http.Request, app *apps.Application, name string) {
	mgr := r.managers.Find(app.ID)
	if mgr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"users": []any{}})
		return
	}
	ch := mgr.Find(name)
	presence, ok := ch.(interface{ Users() []channel.Member })
	if ch == nil || !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel is not a presence channel"})
		return
	}
	users := make([]map[string]string, 0, len(presence.Users()))
	for _, m := range presence.Users() {
		users = append(users, map[string]string{"id": m.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (r *Router) handleConnections(w http.ResponseWriter, req *http.Request, app *apps.Application) {
	mgr := r.managers.Find(app.ID)
	var ids []string
	if mgr != nil {
		for id := range mgr.Connections() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"connections": ids, "count": len(ids)})
}

type triggerRequest struct {
	Name     string          `json:"name"`
	Channels []string        `json:"channels"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id"`
}

func (r *Router) handleTriggerEvent(w http.ResponseWriter, req *http.Request, app *apps.Application) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var tr triggerRequest
	if err := json.Unmarshal(body, &tr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed trigger body"})
		return
	}
	channels := tr.Channels
	if len(channels) == 0 && tr.Channel != "" {
		channels = []string{tr.Channel}
	}

	var except *conn.Connection
	if tr.SocketID != "" {
		if mgr := r.managers.Find(app.ID); mgr != nil {
			if conns := mgr.Connections(); conns != nil {
				except = conns[tr.SocketID]
			}
		}
	}

	for _, name := range channels {
		payload := channel.Payload{Event: tr.Name, Data: tr.Data}
		if err := r.dispatch.Dispatch(app, name, payload, except, dispatch.OriginAPI); err != nil {
			if r.logger != nil {
				r.logger.Error(err, "event", "trigger_event_dispatch_failed", "app_id", app.ID, "channel", name)
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type batchEventsRequest struct {
	Batch []triggerRequest `json:"batch"`
}

func (r *Router) handleBatchEvents(w http.ResponseWriter, req *http.Request, app *apps.Application) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var br batchEventsRequest
	if err := json.Unmarshal(body, &br); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed batch body"})
		return
	}

	mgr := r.managers.Find(app.ID)
	for _, tr := range br.Batch {
		channels := tr.Channels
		if len(channels) == 0 && tr.Channel != "" {
			channels = []string{tr.Channel}
		}
		var except *conn.Connection
		if tr.SocketID != "" && mgr != nil {
			except = mgr.Connections()[tr.SocketID]
		}
		for _, name := range channels {
			payload := channel.Payload{Event: tr.Name, Data: tr.Data}
			if err := r.dispatch.Dispatch(app, name, payload, except, dispatch.OriginAPI); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleTerminateConnections closes this node's connections signed in as
// userID. It finds them through the app's channel manager, so only
// connections subscribed to at least one channel are closed; a signed-in
// connection with no subscriptions is left open.
func (r *Router) handleTerminateConnections(w http.ResponseWriter, req *http.Request, app *apps.Application, userID string) {
	mgr := r.managers.Find(app.ID)
	if mgr != nil {
		for _, c := range mgr.Connections() {
			if id, ok := c.UserID(); ok && id == userID {
				mgr.UnsubscribeFromAll(c)
				c.Close(protocol.ErrGeneric, "terminated by user id")
			}
		}
	}
	// Unknown user id is a no-op, idempotent 2xx (spec §8).
	writeJSON(w, http.StatusOK, map[string]any{})
}

// authenticated wraps h with the Pusher-style HMAC request signature check
// (spec §4.10) and resolves the path's {app_id} into the matching
// *apps.Application before calling through.
func (r *Router) authenticated(h func(w http.ResponseWriter, req *http.Request, app *apps.Application)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/apps/"), "/"), "/")
		if len(segments) == 0 || segments[0] == "" {
			http.NotFound(w, req)
			return
		}
		app, err := r.apps.FindByID(segments[0])
		if err != nil {
			http.NotFound(w, req)
			return
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		req.Body = io.NopCloser(strings.NewReader(string(body)))

		if err := verifySignature(req, app, body); err != nil {
			status := http.StatusUnauthorized
			if _, ok := err.(*signatureMismatch); ok {
				status = http.StatusForbidden
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		h(w, req, app)
	}
}

type signatureMismatch struct{ reason string }

func (e *signatureMismatch) Error() string { return e.reason }

func verifySignature(req *http.Request, app *apps.Application, body []byte) error {
	q := req.URL.Query()
	authKey := q.Get("auth_key")
	authTimestamp := q.Get("auth_timestamp")
	authVersion := q.Get("auth_version")
	authSignature := q.Get("auth_signature")

	if authKey == "" || authTimestamp == "" || authVersion == "" || authSignature == "" {
		return fmt.Errorf("missing auth parameters")
	}
	if authKey != app.Key {
		return &signatureMismatch{reason: "auth_key does not match application"}
	}

	ts, err := strconv.ParseInt(authTimestamp, 10, 64)
	if err != nil {
		return &signatureMismatch{reason: "malformed auth_timestamp"}
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return &signatureMismatch{reason: "auth_timestamp skew too large"}
	}

	canonicalQuery := canonicalQueryWithoutSignature(q)
	bodyHash := md5.Sum(body)
	toSign := strings.Join([]string{
		req.Method,
		req.URL.Path,
		canonicalQuery,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(toSign))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(authSignature)) {
		return &signatureMismatch{reason: "invalid auth_signature"}
	}
	return nil
}

func canonicalQueryWithoutSignature(q map[string][]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k == "auth_signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range q[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := responsePool.Get(256)
	defer responsePool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
