// Package bridge implements the Pub/Sub Bridge (spec §4.8): the component
// that subscribes to the cluster bus and routes incoming messages by tag
// back into the local Event Dispatcher, Metrics Aggregator, and connection
// termination path. It lives apart from internal/pubsub (which only knows
// about the Bus transport) and internal/dispatch (which only knows about
// channels) to avoid an import cycle between the two.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/pubsub"
	"github.com/tomnagengast/revurb/internal/registry"
)

// MetricsResponder computes a locally-gathered metric on demand, so the
// bridge's "metrics" tag handler doesn't need to know metrics internals.
type MetricsResponder interface {
	Gather(appID, metricType string, options json.RawMessage) (json.RawMessage, error)
}

// PendingReplies receives metrics-retrieved replies for an in-flight
// fleet-wide gather, keyed by request key (spec §4.12).
type PendingReplies interface {
	Deliver(requestKey string, payload json.RawMessage)
}

// Bridge wires the bus to the rest of the node.
type Bridge struct {
	bus         pubsub.Bus
	subject     string
	apps        *apps.Registry
	dispatcher  *dispatch.Dispatcher
	connections *registry.Connections
	metrics     MetricsResponder
	pending     PendingReplies
	logger      logging.Logger
}

// New builds a Bridge. metrics and pending may be nil if this node never
// answers or awaits fleet-wide metrics gathers.
func New(bus pubsub.Bus, subject string, appRegistry *apps.Registry, dispatcher *dispatch.Dispatcher, connections *registry.Connections, metrics MetricsResponder, pending PendingReplies, logger logging.Logger) *Bridge {
	return &Bridge{
		bus:         bus,
		subject:     subject,
		apps:        appRegistry,
		dispatcher:  dispatcher,
		connections: connections,
		metrics:     metrics,
		pending:     pending,
		logger:      logger,
	}
}

// Start subscribes to the configured bus subject. It returns once the
// subscription is registered; messages are handled on the bus client's own
// callback goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	return b.bus.Subscribe(ctx, b.subject, b.handle)
}

func (b *Bridge) handle(data []byte) {
	var env pubsub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Error(err, "event", "bridge_malformed_message")
		return
	}

	switch env.Tag {
	case pubsub.TagMessage:
		b.handleMessage(env)
	case pubsub.TagMetrics:
		b.handleMetrics(env)
	case pubsub.TagMetricsRetrieved:
		b.handleMetricsRetrieved(env)
	case pubsub.TagTerminate:
		b.handleTerminate(env)
	default:
		b.logger.Debug("dropping bus message with unknown tag", "tag", string(env.Tag))
	}
}

func (b *Bridge) handleMessage(env pubsub.Envelope) {
	app, err := b.apps.FindByID(env.ApplicationID)
	if err != nil {
		b.logger.Error(err, "event", "bridge_unknown_application", "application_id", env.ApplicationID)
		return
	}

	var payload channel.Payload
	if err := json.Unmarshal(env.EventPayload, &payload); err != nil {
		b.logger.Error(err, "event", "bridge_malformed_payload")
		return
	}

	origin := dispatch.OriginClient
	if env.Kind == "api" {
		origin = dispatch.OriginAPI
	}

	if err := b.dispatcher.DispatchFromBus(app, env.Channel, payload, env.ExceptSocketID, origin); err != nil {
		b.logger.Error(err, "event", "bridge_dispatch_failed", "channel", env.Channel)
	}
}

func (b *Bridge) handleMetrics(env pubsub.Envelope) {
	if b.metrics == nil {
		return
	}
	result, err := b.metrics.Gather(env.ApplicationID, env.MetricType, env.MetricOptions)
	if err != nil {
		b.logger.Error(err, "event", "bridge_metrics_gather_failed")
		return
	}
	reply := pubsub.Envelope{
		Tag:          pubsub.TagMetricsRetrieved,
		RequestKey:   env.RequestKey,
		MetricResult: result,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error(err, "event", "bridge_metrics_reply_marshal_failed")
		return
	}
	if _, err := b.bus.Publish(context.Background(), b.subject, data); err != nil {
		b.logger.Error(err, "event", "bridge_metrics_reply_publish_failed")
	}
}

func (b *Bridge) handleMetricsRetrieved(env pubsub.Envelope) {
	if b.pending == nil {
		return
	}
	b.pending.Deliver(env.RequestKey, env.MetricResult)
}

func (b *Bridge) handleTerminate(env pubsub.Envelope) {
	app, err := b.apps.FindByID(env.ApplicationID)
	if err != nil {
		return
	}
	for _, c := range b.connections.ForApp(app.ID) {
		if id, ok := c.UserID(); ok && id == env.UserID {
			mgr := b.dispatcher.Managers.For(app)
			mgr.UnsubscribeFromAll(c)
			c.Close(protocol.ErrGeneric, "terminated by user id")
		}
	}
}
