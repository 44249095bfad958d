package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

// TestFleetRequestShortCircuitsOnAllReplies exercises spec §4.12 steps 2-3:
// once every node the publish reached has replied, RequestFleetWide must
// return well before FleetTimeout instead of always blocking the full 10s.
func TestFleetRequestShortCircuitsOnAllReplies(t *testing.T) {
	bus := pubsub.NewLocalBus()
	managers := dispatch.NewManagerRegistry(nil)
	local := NewLocalGatherer(managers)
	fleet := NewFleet(bus, "revurb.events", local)

	// A subscriber on the subject stands in for another node: it
	// receives the metrics request LocalBus just published and replies
	// through Fleet.Deliver, the same path the bridge uses for a real
	// metrics-retrieved message.
	if err := bus.Subscribe(context.Background(), "revurb.events", func(data []byte) {
		go func() {
			var env pubsub.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}
			if env.Tag != pubsub.TagMetrics {
				return
			}
			fleet.Deliver(env.RequestKey, json.RawMessage(`{"channels":2,"connections":5}`))
		}()
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	snap, err := fleet.RequestFleetWide(context.Background(), "app1", "")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= FleetTimeout {
		t.Fatalf("expected early return before FleetTimeout, took %s", elapsed)
	}
	if snap.Channels != 2 || snap.Connections != 5 {
		t.Fatalf("expected merged snapshot {2,5}, got %+v", snap)
	}
}
