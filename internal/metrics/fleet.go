package metrics

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tomnagengast/revurb/internal/pubsub"
)

// FleetTimeout bounds how long a cross-node gather waits for replies
// (spec §4.12 step 3).
const FleetTimeout = 10 * time.Second

// pendingRequest accumulates metrics-retrieved replies for one in-flight
// fleet-wide gather.
type pendingRequest struct {
	mu       sync.Mutex
	replies  []json.RawMessage
	expected int
	done     chan struct{}
	closed   bool
}

// Fleet coordinates fleet-wide metric gathers over the pub/sub bus
// (spec §4.12): publish a `metrics` message, collect `metrics-retrieved`
// replies keyed by a random request token, and merge whatever arrives
// before the timeout.
type Fleet struct {
	bus     pubsub.Bus
	subject string
	local   *LocalGatherer

	mu       sync.Mutex
	requests map[string]*pendingRequest
}

// NewFleet builds a Fleet aggregator. local answers this node's own share
// of a gather when the bridge relays a `metrics` request back to it.
func NewFleet(bus pubsub.Bus, subject string, local *LocalGatherer) *Fleet {
	return &Fleet{bus: bus, subject: subject, local: local, requests: make(map[string]*pendingRequest)}
}

// RequestFleetWide publishes a metrics request for appID and merges
// channel/connection counts from every node that replies within
// FleetTimeout.
func (f *Fleet) RequestFleetWide(ctx context.Context, appID, metricType string) (LocalSnapshot, error) {
	key, err := randomKey()
	if err != nil {
		return LocalSnapshot{}, err
	}

	pending := &pendingRequest{done: make(chan struct{})}
	f.mu.Lock()
	f.requests[key] = pending
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.requests, key)
		f.mu.Unlock()
	}()

	env := pubsub.Envelope{
		Tag:           pubsub.TagMetrics,
		ApplicationID: appID,
		RequestKey:    key,
		MetricType:    metricType,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return LocalSnapshot{}, err
	}
	reached, err := f.bus.Publish(ctx, f.subject, data)
	if err != nil {
		return LocalSnapshot{}, err
	}
	pending.setExpected(reached)

	timer := time.NewTimer(FleetTimeout)
	defer timer.Stop()
	select {
	case <-pending.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	return mergeSnapshots(pending.snapshot()), nil
}

// Deliver satisfies bridge.PendingReplies: it records a metrics-retrieved
// reply against its request key. Replies for unknown or already-timed-out
// keys are discarded (spec §4.12 step 5).
func (f *Fleet) Deliver(requestKey string, payload json.RawMessage) {
	f.mu.Lock()
	pending, ok := f.requests[requestKey]
	f.mu.Unlock()
	if !ok {
		return
	}
	pending.add(payload)
}

// Gather satisfies bridge.MetricsResponder: it answers this node's local
// share of a fleet-wide request relayed back by the Pub/Sub Bridge.
func (f *Fleet) Gather(appID, metricType string, options json.RawMessage) (json.RawMessage, error) {
	snap := f.local.Snapshot(appID)
	return json.Marshal(snap)
}

// setExpected records how many nodes the publish reached (spec §4.12 steps
// 2-3). A count of 0 means the transport couldn't report one, so the gather
// always waits out FleetTimeout instead of trying to short-circuit it.
// Replies can race the publish call itself (a fast local subscriber may
// already have called add before the recipient count is known), so this
// also re-checks whatever already arrived against the new expectation.
func (p *pendingRequest) setExpected(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected = n
	p.closeIfSatisfiedLocked()
}

func (p *pendingRequest) add(payload json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.replies = append(p.replies, payload)
	p.closeIfSatisfiedLocked()
}

// closeIfSatisfiedLocked signals done once replies has caught up with
// expected. Callers must hold p.mu.
func (p *pendingRequest) closeIfSatisfiedLocked() {
	if p.closed {
		return
	}
	if p.expected > 0 && len(p.replies) >= p.expected {
		p.closed = true
		close(p.done)
	}
}

func (p *pendingRequest) snapshot() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.replies
}

func mergeSnapshots(replies []json.RawMessage) LocalSnapshot {
	var total LocalSnapshot
	for _, raw := range replies {
		var s LocalSnapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		total.Channels += s.Channels
		total.Connections += s.Connections
	}
	return total
}

func randomKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("revurb: generate metrics request key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
