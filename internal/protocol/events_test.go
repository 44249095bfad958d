package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
)

func testApp() *apps.Application {
	return &apps.Application{ID: "app1", Key: "key1", Secret: "secret1", PingInterval: 30, ActivityTimeout: 30}
}

func sign(app *apps.Application, socketID, channelName, channelData string) string {
	toSign := socketID + ":" + channelName
	if channelData != "" {
		toSign += ":" + channelData
	}
	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(toSign))
	return app.Key + ":" + hex.EncodeToString(mac.Sum(nil))
}

func newHandler() *EventHandler {
	managers := dispatch.NewManagerRegistry(nil)
	d := dispatch.New(managers, nil, "", false, nil)
	return NewEventHandler(managers, d, nil)
}

func TestPingPong(t *testing.T) {
	h := newHandler()
	app := testApp()
	c := conn.New("sock1", app, "", 8)

	h.Handle(c, []byte(`{"event":"pusher:ping"}`))
	msg := <-c.Outbound()
	var f Frame
	json.Unmarshal(msg, &f)
	if f.Event != "pusher:pong" {
		t.Fatalf("expected pusher:pong, got %q", f.Event)
	}
}

func TestSubscribePublic(t *testing.T) {
	h := newHandler()
	app := testApp()
	c := conn.New("sock1", app, "", 8)

	h.Handle(c, []byte(`{"event":"pusher:subscribe","data":{"channel":"room-1"}}`))
	msg := <-c.Outbound()
	var f Frame
	json.Unmarshal(msg, &f)
	if f.Event != "pusher_internal:subscription_succeeded" {
		t.Fatalf("expected subscription_succeeded, got %q", f.Event)
	}
}

func TestSubscribePrivateBadAuth(t *testing.T) {
	h := newHandler()
	app := testApp()
	c := conn.New("sock1", app, "", 8)

	h.Handle(c, []byte(`{"event":"pusher:subscribe","data":{"channel":"private-chat","auth":"bad"}}`))
	msg := <-c.Outbound()
	var f Frame
	json.Unmarshal(msg, &f)
	if f.Event != "pusher_internal:subscription_error" {
		t.Fatalf("expected subscription_error, got %q", f.Event)
	}
}

func TestSignin(t *testing.T) {
	h := newHandler()
	app := testApp()
	c := conn.New("sock1", app, "", 8)

	userData := `{"user_id":"u1"}`
	toSign := "sock1::user::" + userData
	auth := signHMAC(app, toSign)

	frame := map[string]any{
		"event": "pusher:signin",
		"data": map[string]any{
			"auth":      auth,
			"user_data": userData,
		},
	}
	raw, _ := json.Marshal(frame)
	h.Handle(c, raw)

	msg := <-c.Outbound()
	var f Frame
	json.Unmarshal(msg, &f)
	if f.Event != "pusher:signin_success" {
		t.Fatalf("expected signin_success, got %q", f.Event)
	}
	id, ok := c.UserID()
	if !ok || id != "u1" {
		t.Fatalf("expected UserID u1, got %q (%v)", id, ok)
	}
}

func signHMAC(app *apps.Application, toSign string) string {
	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(toSign))
	return app.Key + ":" + hex.EncodeToString(mac.Sum(nil))
}

func TestUnknownControlEvent(t *testing.T) {
	h := newHandler()
	app := testApp()
	c := conn.New("sock1", app, "", 8)

	h.Handle(c, []byte(`{"event":"pusher:frobnicate"}`))
	msg := <-c.Outbound()
	var f Frame
	json.Unmarshal(msg, &f)
	if f.Event != "pusher:error" {
		t.Fatalf("expected pusher:error, got %q", f.Event)
	}
}
