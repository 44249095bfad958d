package wsserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/registry"
)

func testServer(t *testing.T, app apps.Application) (*httptest.Server, *Server) {
	t.Helper()
	reg, err := apps.NewRegistry([]apps.Application{app})
	if err != nil {
		t.Fatal(err)
	}
	managers := dispatch.NewManagerRegistry(nil)
	conns := registry.New()
	d := dispatch.New(managers, nil, "", false, nil)
	handler := protocol.NewEventHandler(managers, d, logging.New(logging.Config{Level: "error"}))
	srv := New(reg, managers, conns, handler, logging.New(logging.Config{Level: "error"}))
	ts := httptest.NewServer(srv.Handler())
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server, appKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/app/" + appKey
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConnectionEstablishedOnUpgrade(t *testing.T) {
	ts, _ := testServer(t, apps.Application{ID: "app1", Key: "key1", Secret: "secret1", ActivityTimeout: 30, MaxMessageSize: 4096})
	defer ts.Close()

	c := dial(t, ts, "key1")
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "pusher:connection_established" {
		t.Fatalf("expected connection_established, got %q", frame.Event)
	}
}

func TestUnknownAppKeyRejected(t *testing.T) {
	ts, _ := testServer(t, apps.Application{ID: "app1", Key: "key1", Secret: "secret1"})
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/app/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown app key")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected HTTP 400, got %+v", resp)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	ts, _ := testServer(t, apps.Application{ID: "app1", Key: "key1", Secret: "secret1", ActivityTimeout: 30, MaxMessageSize: 4096})
	defer ts.Close()

	c := dial(t, ts, "key1")
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	c.ReadMessage() // connection_established

	sub := protocol.Frame{Event: "pusher:subscribe", Data: json.RawMessage(`{"channel":"room-1"}`)}
	raw, _ := json.Marshal(sub)
	if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame protocol.Frame
	json.Unmarshal(msg, &frame)
	if frame.Event != "pusher_internal:subscription_succeeded" {
		t.Fatalf("expected subscription_succeeded, got %q", frame.Event)
	}
}
