package channel

import (
	"testing"

	"github.com/tomnagengast/revurb/internal/conn"
)

type recordingObserver struct {
	created []string
	removed []string
}

func (r *recordingObserver) ChannelCreated(appID, name string) { r.created = append(r.created, name) }
func (r *recordingObserver) ChannelRemoved(appID, name string) { r.removed = append(r.removed, name) }

func TestManagerLifecycle(t *testing.T) {
	app := testApp()
	obs := &recordingObserver{}
	mgr := NewManager(app, obs)

	a := conn.New("a", app, "", 8)
	b := conn.New("b", app, "", 8)

	if err := mgr.Subscribe(a, "room-1", "", nil); err != nil {
		t.Fatal(err)
	}
	<-a.Outbound()
	if err := mgr.Subscribe(b, "room-1", "", nil); err != nil {
		t.Fatal(err)
	}
	<-b.Outbound()

	if mgr.Find("room-1") == nil {
		t.Fatal("expected channel to exist after subscribe")
	}
	if len(obs.created) != 1 {
		t.Fatalf("expected exactly one ChannelCreated, got %d", len(obs.created))
	}

	conns := mgr.Connections()
	if len(conns) != 2 {
		t.Fatalf("expected 2 distinct connections, got %d", len(conns))
	}

	mgr.Unsubscribe(a, "room-1")
	if mgr.Find("room-1") == nil {
		t.Fatal("channel should still exist with one member left")
	}

	mgr.Unsubscribe(b, "room-1")
	if mgr.Find("room-1") != nil {
		t.Fatal("expected channel to be removed once empty")
	}
	if len(obs.removed) != 1 {
		t.Fatalf("expected exactly one ChannelRemoved, got %d", len(obs.removed))
	}
}

func TestManagerUnsubscribeFromAll(t *testing.T) {
	app := testApp()
	mgr := NewManager(app, nil)
	a := conn.New("a", app, "", 8)

	mgr.Subscribe(a, "room-1", "", nil)
	<-a.Outbound()
	mgr.Subscribe(a, "room-2", "", nil)
	<-a.Outbound()

	mgr.UnsubscribeFromAll(a)

	if mgr.Find("room-1") != nil || mgr.Find("room-2") != nil {
		t.Fatal("expected both channels removed after UnsubscribeFromAll")
	}
}

func TestManagerRejectsBadSubscribe(t *testing.T) {
	app := testApp()
	mgr := NewManager(app, nil)
	a := conn.New("a", app, "", 8)

	err := mgr.Subscribe(a, "private-chat", "bad-sig", nil)
	if err == nil {
		t.Fatal("expected error for bad signature")
	}
	if mgr.Find("private-chat") != nil {
		t.Fatal("expected speculative channel to be rolled back on subscribe failure")
	}
}
