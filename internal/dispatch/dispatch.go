// Package dispatch implements the Event Dispatcher (spec §4.7): the single
// path every broadcast-worthy event flows through, whether it came from a
// locally-connected socket, an HTTP trigger, or another node over the bus.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

// Metrics receives per-route timing observations (*metrics.Prometheus
// satisfies this without dispatch importing metrics, which already imports
// dispatch for ManagerRegistry).
type Metrics interface {
	ObserveDispatchLatency(d time.Duration)
}

// Origin distinguishes an externally-triggered API event (which updates a
// cache channel's replay payload) from a client-* event relayed between
// peers (which must not).
type Origin int

const (
	OriginClient Origin = iota
	OriginAPI
)

func (o Origin) String() string {
	if o == OriginAPI {
		return "api"
	}
	return "client"
}

// ManagerRegistry owns one channel.Manager per Application, created lazily
// on first use and kept for the process lifetime (an Application's
// channels always live under the same Manager, spec §4.4).
type ManagerRegistry struct {
	observer channel.Observer

	mu       sync.RWMutex
	managers map[string]*channel.Manager
}

// NewManagerRegistry builds an empty registry. observer may be nil.
func NewManagerRegistry(observer channel.Observer) *ManagerRegistry {
	return &ManagerRegistry{observer: observer, managers: make(map[string]*channel.Manager)}
}

// For returns app's Manager, creating it on first call.
func (r *ManagerRegistry) For(app *apps.Application) *channel.Manager {
	r.mu.RLock()
	m, ok := r.managers[app.ID]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[app.ID]; ok {
		return m
	}
	m = channel.NewManager(app, r.observer)
	r.managers[app.ID] = m
	return m
}

// SetObserver swaps the registry's channel lifecycle observer. Used by
// cmd/revurbd to wire metrics after both the registry and the metrics
// collector (which itself needs the registry to compute totals) have been
// constructed.
func (r *ManagerRegistry) SetObserver(observer channel.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Find returns the Manager for appID if one has already been created.
func (r *ManagerRegistry) Find(appID string) *channel.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[appID]
}

// All returns every Manager created so far.
func (r *ManagerRegistry) All() []*channel.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*channel.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// Dispatcher routes a payload to a channel's local subscribers, or onto the
// bus when running in multi-node mode (spec §4.7).
type Dispatcher struct {
	Managers *ManagerRegistry

	bus     pubsub.Bus
	subject string
	scaling bool
	logger  logging.Logger

	metrics Metrics
}

// New builds a Dispatcher. When scaling is false, bus is never touched and
// every Dispatch call resolves locally - this is the single-node path.
func New(managers *ManagerRegistry, bus pubsub.Bus, subject string, scaling bool, logger logging.Logger) *Dispatcher {
	return &Dispatcher{Managers: managers, bus: bus, subject: subject, scaling: scaling, logger: logger}
}

// SetMetrics wires a dispatch-latency observer in after construction, the
// same late-binding pattern as ManagerRegistry.SetObserver.
func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

// Dispatch is the entry point for a locally-originated event: a client-*
// event relayed from a connected socket, or a payload built by the HTTP
// trigger endpoint.
func (d *Dispatcher) Dispatch(app *apps.Application, channelName string, payload channel.Payload, except *conn.Connection, origin Origin) error {
	return d.route(app, channelName, payload, except, origin, false)
}

// DispatchFromBus is the entry point for a message the Pub/Sub Bridge
// received from another node (or looped back from this node's own
// publish). exceptSocketID is resolved against local membership only,
// since the excluded socket lives on whichever node originated the event.
func (d *Dispatcher) DispatchFromBus(app *apps.Application, channelName string, payload channel.Payload, exceptSocketID string, origin Origin) error {
	var except *conn.Connection
	if exceptSocketID != "" {
		if mgr := d.Managers.Find(app.ID); mgr != nil {
			if ch := mgr.Find(channelName); ch != nil {
				except = ch.Members()[exceptSocketID]
			}
		}
	}
	return d.route(app, channelName, payload, except, origin, true)
}

func (d *Dispatcher) route(app *apps.Application, channelName string, payload channel.Payload, except *conn.Connection, origin Origin, fromBus bool) error {
	if d.metrics != nil {
		start := time.Now()
		defer func() { d.metrics.ObserveDispatchLatency(time.Since(start)) }()
	}

	if !d.scaling || fromBus {
		mgr := d.Managers.For(app)
		ch := mgr.Find(channelName)
		if ch == nil {
			return nil
		}
		if origin == OriginAPI {
			ch.Broadcast(payload, except)
		} else {
			ch.BroadcastInternally(payload, except)
		}
		return nil
	}

	exceptID := ""
	if except != nil {
		exceptID = except.ID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := pubsub.Envelope{
		Tag:            pubsub.TagMessage,
		ApplicationID:  app.ID,
		Channel:        channelName,
		EventPayload:   raw,
		ExceptSocketID: exceptID,
		Kind:           origin.String(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = d.bus.Publish(context.Background(), d.subject, data)
	return err
}
