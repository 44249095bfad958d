package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
)

func testApp() *apps.Application {
	return &apps.Application{ID: "app1", Key: "key1", Secret: "secret1", PingInterval: 30}
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

func TestKindOfPrefixOrder(t *testing.T) {
	cases := map[string]Kind{
		"private-encrypted-x": KindPrivateEncrypted,
		"private-cache-x":     KindPrivateCache,
		"presence-cache-x":    KindPresenceCache,
		"cache-x":             KindCache,
		"private-x":           KindPrivate,
		"presence-x":          KindPresence,
		"room-1":              KindPublic,
	}
	for name, want := range cases {
		if got := KindOf(name); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPublicSubscribeBroadcast(t *testing.T) {
	app := testApp()
	ch, err := New("room-1", app)
	if err != nil {
		t.Fatal(err)
	}

	a := conn.New("a", app, "", 8)
	b := conn.New("b", app, "", 8)

	if err := ch.Subscribe(a, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := ch.Subscribe(b, "", nil); err != nil {
		t.Fatal(err)
	}
	<-a.Outbound() // subscription_succeeded
	<-b.Outbound()

	ch.Broadcast(Payload{Event: "greet", Data: json.RawMessage(`{"hi":1}`)}, a)

	select {
	case <-a.Outbound():
		t.Fatal("except connection should not receive broadcast")
	default:
	}

	msg := <-b.Outbound()
	var p Payload
	if err := json.Unmarshal(msg, &p); err != nil {
		t.Fatal(err)
	}
	if p.Event != "greet" {
		t.Fatalf("unexpected event %q", p.Event)
	}
}

func TestPrivateChannelRequiresAuth(t *testing.T) {
	app := testApp()
	ch, _ := New("private-chat", app)
	a := conn.New("sock1", app, "", 8)

	if err := ch.Subscribe(a, "bad-sig", nil); err == nil {
		t.Fatal("expected Unauthorized error for bad signature")
	}

	validAuth := sign(app, "sock1", "private-chat", "")
	if err := ch.Subscribe(a, validAuth, nil); err != nil {
		t.Fatalf("expected valid signature to succeed, got %v", err)
	}
}

func TestPresenceMembership(t *testing.T) {
	app := testApp()
	ch, _ := New("presence-chat", app)

	a := conn.New("a", app, "", 8)
	b := conn.New("b", app, "", 8)
	c := conn.New("c", app, "", 8)

	dataA := json.RawMessage(`{"user_id":"u1","user_info":{"name":"Ada"}}`)
	if err := ch.Subscribe(a, sign(app, "a", "presence-chat", string(dataA)), dataA); err != nil {
		t.Fatal(err)
	}
	<-a.Outbound() // subscription_succeeded

	dataB := json.RawMessage(`{"user_id":"u2","user_info":{"name":"Babbage"}}`)
	if err := ch.Subscribe(b, sign(app, "b", "presence-chat", string(dataB)), dataB); err != nil {
		t.Fatal(err)
	}
	<-b.Outbound() // subscription_succeeded for b

	// a should see member_added for u2
	msg := <-a.Outbound()
	var p Payload
	json.Unmarshal(msg, &p)
	if p.Event != "pusher_internal:member_added" {
		t.Fatalf("expected member_added, got %q", p.Event)
	}

	// c subscribes also as u2 - no second member_added
	dataC := json.RawMessage(`{"user_id":"u2"}`)
	if err := ch.Subscribe(c, sign(app, "c", "presence-chat", string(dataC)), dataC); err != nil {
		t.Fatal(err)
	}
	<-c.Outbound() // subscription_succeeded for c

	select {
	case <-a.Outbound():
		t.Fatal("a should not receive a second member_added for u2")
	default:
	}
	select {
	case <-b.Outbound():
		t.Fatal("b should not receive a member_added for its own user")
	default:
	}

	// c disconnects - no member_removed since u2 still has b
	ch.Unsubscribe(c)
	select {
	case <-a.Outbound():
		t.Fatal("no member_removed expected while u2 still has a connection")
	default:
	}

	// b (last conn for u2) disconnects - member_removed fires
	ch.Unsubscribe(b)
	msg = <-a.Outbound()
	json.Unmarshal(msg, &p)
	if p.Event != "pusher_internal:member_removed" {
		t.Fatalf("expected member_removed, got %q", p.Event)
	}
}

func TestCacheChannelMissThenReplay(t *testing.T) {
	app := testApp()
	ch, _ := New("cache-prices", app)

	a := conn.New("a", app, "", 8)
	if err := ch.Subscribe(a, "", nil); err != nil {
		t.Fatal(err)
	}
	<-a.Outbound() // subscription_succeeded
	msg := <-a.Outbound()
	var p Payload
	json.Unmarshal(msg, &p)
	if p.Event != "pusher:cache_miss" {
		t.Fatalf("expected cache_miss, got %q", p.Event)
	}

	ch.Broadcast(Payload{Event: "tick", Data: json.RawMessage(`{"p":42}`)}, nil)
	<-a.Outbound() // the live broadcast itself

	b := conn.New("b", app, "", 8)
	if err := ch.Subscribe(b, "", nil); err != nil {
		t.Fatal(err)
	}
	<-b.Outbound() // subscription_succeeded
	msg = <-b.Outbound()
	json.Unmarshal(msg, &p)
	if p.Event != "tick" {
		t.Fatalf("expected replayed tick event, got %q", p.Event)
	}

	select {
	case <-b.Outbound():
		t.Fatal("expected exactly one replay")
	default:
	}
}

func TestPresenceMissingUserID(t *testing.T) {
	app := testApp()
	ch, _ := New("presence-chat", app)
	a := conn.New("a", app, "", 8)

	data := json.RawMessage(`{"user_info":{"name":"Ada"}}`)
	err := ch.Subscribe(a, sign(app, "a", "presence-chat", string(data)), data)
	if err == nil {
		t.Fatal("expected SubscriptionError for missing user_id")
	}
	if _, ok := err.(*SubscriptionError); !ok {
		t.Fatalf("expected *SubscriptionError, got %T", err)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	app := testApp()
	ch, _ := New("room-1", app)
	a := conn.New("a", app, "", 8)

	ch.Subscribe(a, "", nil)
	<-a.Outbound()

	ch.Unsubscribe(a)
	ch.Unsubscribe(a) // must not panic or double-fire events
	if ch.MemberCount() != 0 {
		t.Fatalf("expected 0 members after unsubscribe, got %d", ch.MemberCount())
	}
}
