package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/registry"
)

func testApp() *apps.Application {
	return &apps.Application{ID: "app1", Key: "key1", Secret: "secret1", PingInterval: 0}
}

func TestScanPingsInactiveConnection(t *testing.T) {
	app := testApp()
	conns := registry.New()
	managers := dispatch.NewManagerRegistry(nil)

	c := conn.New("sock1", app, "", 4)
	conns.Add(c)

	s := NewScanner(conns, managers, nil)
	s.scan()

	select {
	case msg := <-c.Outbound():
		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Event != "pusher:ping" {
			t.Fatalf("expected pusher:ping, got %q", frame.Event)
		}
	default:
		t.Fatal("expected a ping frame to be queued")
	}
}

func TestScanPrunesStaleConnection(t *testing.T) {
	app := testApp()
	conns := registry.New()
	managers := dispatch.NewManagerRegistry(nil)

	c := conn.New("sock1", app, "", 4)
	c.MarkPinged()
	conns.Add(c)

	s := NewScanner(conns, managers, nil)
	s.scan()

	select {
	case <-c.Done():
	default:
		t.Fatal("expected stale connection to be closed")
	}
	if c.CloseInfo().Code != protocol.ErrPongTimeout {
		t.Fatalf("expected ErrPongTimeout close code, got %d", c.CloseInfo().Code)
	}
}

func TestScanSkipsControlFrameConnections(t *testing.T) {
	app := testApp()
	conns := registry.New()
	managers := dispatch.NewManagerRegistry(nil)

	c := conn.New("sock1", app, "", 4)
	c.MarkUsesControlFrames()
	conns.Add(c)

	s := NewScanner(conns, managers, nil)
	s.scan()

	select {
	case <-c.Outbound():
		t.Fatal("expected no pusher:ping for a control-frame connection")
	default:
	}
}

func TestShutdownRun(t *testing.T) {
	app := testApp()
	conns := registry.New()

	a := conn.New("a", app, "", 4)
	b := conn.New("b", app, "", 4)
	conns.Add(a)
	conns.Add(b)

	sd := NewShutdown(conns, 2*time.Second, nil)
	sd.Run()

	for _, c := range []*conn.Connection{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("expected connection %s to be closed", c.ID)
		}
		if c.CloseInfo().Code != protocol.ErrGeneric {
			t.Fatalf("expected ErrGeneric close code, got %d", c.CloseInfo().Code)
		}
	}
}
