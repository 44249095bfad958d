// Package pubsub defines the cross-node message bus contract used to fan
// broadcasts, metrics requests, and terminate commands across a cluster of
// revurb nodes (spec §4.7, §4.8). It intentionally knows nothing about
// channels or dispatch, so internal/dispatch and internal/bridge can both
// depend on it without an import cycle.
package pubsub

import (
	"context"
	"encoding/json"
)

// Tag discriminates the kind of message carried on the bus.
type Tag string

const (
	TagMessage          Tag = "message"
	TagMetrics          Tag = "metrics"
	TagMetricsRetrieved Tag = "metrics-retrieved"
	TagTerminate        Tag = "terminate"
)

// Envelope is the wire shape published on the bus subject. Only the fields
// relevant to Tag are populated; the rest are left zero. Kind tells every
// node, including the publisher's own node on the round trip, whether this
// message originated from an externally-triggered API call (cache-updating
// broadcast) or a client event (internal-only broadcast).
type Envelope struct {
	Tag Tag `json:"tag"`

	// message
	ApplicationID  string          `json:"application_id,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	EventPayload   json.RawMessage `json:"event_payload,omitempty"`
	ExceptSocketID string          `json:"except_socket_id,omitempty"`
	Kind           string          `json:"kind,omitempty"` // "api" or "client"

	// metrics / metrics-retrieved
	RequestKey    string          `json:"request_key,omitempty"`
	MetricType    string          `json:"metric_type,omitempty"`
	MetricOptions json.RawMessage `json:"metric_options,omitempty"`
	MetricResult  json.RawMessage `json:"metric_result,omitempty"`

	// terminate
	UserID string `json:"user_id,omitempty"`
}

// Bus is the pub/sub transport contract. Implementations must tolerate
// transient disconnects by queueing outbound publishes rather than
// dropping them silently (spec §4.7 step 3).
type Bus interface {
	// Publish sends data on subject and returns the number of other
	// subscribers it reached, when the transport can report one (0 if
	// unknown).
	Publish(ctx context.Context, subject string, data []byte) (int, error)

	// Subscribe registers handler for every message received on subject.
	// handler must not block for long; slow consumers should hand off to
	// their own goroutine.
	Subscribe(ctx context.Context, subject string, handler func([]byte)) error

	// Close releases the underlying transport connection.
	Close() error
}
