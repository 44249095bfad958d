package bridge

import (
	"encoding/json"
	"testing"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/pubsub"
	"github.com/tomnagengast/revurb/internal/registry"
)

func testRegistry(t *testing.T) *apps.Registry {
	t.Helper()
	r, err := apps.NewRegistry([]apps.Application{{ID: "app1", Key: "key1", Secret: "secret1", PingInterval: 30}})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBridgeRoutesMessageTag(t *testing.T) {
	appRegistry := testRegistry(t)
	app, _ := appRegistry.FindByID("app1")

	managers := dispatch.NewManagerRegistry(nil)
	bus := pubsub.NewLocalBus()
	d := dispatch.New(managers, bus, "revurb.events", true, logging.New(logging.Config{Level: "error"}))
	conns := registry.New()

	b := New(bus, "revurb.events", appRegistry, d, conns, nil, nil, logging.New(logging.Config{Level: "error"}))
	if err := b.Start(nil); err != nil {
		t.Fatal(err)
	}

	mgr := managers.For(app)
	a := conn.New("a", app, "", 8)
	mgr.Subscribe(a, "room-1", "", nil)
	<-a.Outbound()

	payload, _ := json.Marshal(channel.Payload{Event: "greet"})
	env := pubsub.Envelope{Tag: pubsub.TagMessage, ApplicationID: "app1", Channel: "room-1", EventPayload: payload, Kind: "api"}
	data, _ := json.Marshal(env)

	if _, err := bus.Publish(nil, "revurb.events", data); err != nil {
		t.Fatal(err)
	}

	msg := <-a.Outbound()
	var p channel.Payload
	json.Unmarshal(msg, &p)
	if p.Event != "greet" {
		t.Fatalf("expected greet, got %q", p.Event)
	}
}

func TestBridgeTerminatesSignedInUser(t *testing.T) {
	appRegistry := testRegistry(t)
	app, _ := appRegistry.FindByID("app1")

	managers := dispatch.NewManagerRegistry(nil)
	bus := pubsub.NewLocalBus()
	d := dispatch.New(managers, bus, "revurb.events", false, logging.New(logging.Config{Level: "error"}))
	conns := registry.New()

	b := New(bus, "revurb.events", appRegistry, d, conns, nil, nil, logging.New(logging.Config{Level: "error"}))
	if err := b.Start(nil); err != nil {
		t.Fatal(err)
	}

	a := conn.New("a", app, "", 8)
	a.SetUserData(json.RawMessage(`{"user_id":"u1"}`))
	conns.Add(a)

	env := pubsub.Envelope{Tag: pubsub.TagTerminate, ApplicationID: "app1", UserID: "u1"}
	data, _ := json.Marshal(env)
	if _, err := bus.Publish(nil, "revurb.events", data); err != nil {
		t.Fatal(err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("expected connection to be closed by terminate message")
	}
}
