package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomnagengast/revurb/internal/logging"
)

// NATSConfig controls the underlying connection. Reconnect handling is left
// to nats.go's own buffering (spec §4.7 step 3: outbound publishes queue
// across a transient disconnect instead of failing). A zero MaxReconnects or
// ReconnectWait keeps nats.go's default; a negative MaxReconnects retries
// forever.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// BusMetrics receives transport-level bus events (*metrics.Prometheus
// satisfies this without internal/pubsub importing internal/metrics, which
// would cycle back through internal/dispatch).
type BusMetrics interface {
	BusMessage()
	BusReconnected()
	SetBusConnected(up bool)
}

// NATSBus is the cluster-mode Bus backed by a single NATS connection,
// grounded on pkg/nats/client.go: one shared *nats.Conn, a subject ->
// subscription map guarded by a mutex, and connection-event handlers that
// log instead of panic.
type NATSBus struct {
	conn   *nats.Conn
	logger logging.Logger

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	metrics BusMetrics
}

// NewNATSBus dials cfg.URL and returns a ready Bus.
func NewNATSBus(cfg NATSConfig, logger logging.Logger) (*NATSBus, error) {
	b := &NATSBus{logger: logger, subs: make(map[string]*nats.Subscription)}

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = nats.DefaultMaxReconnect
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = nats.DefaultReconnectWait
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info("nats connected", "url", c.ConnectedUrl())
			if b.metrics != nil {
				b.metrics.SetBusConnected(true)
			}
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Error(err, "event", "nats_disconnect")
			if b.metrics != nil {
				b.metrics.SetBusConnected(false)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
			if b.metrics != nil {
				b.metrics.SetBusConnected(true)
				b.metrics.BusReconnected()
			}
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error(err, "event", "nats_error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("revurb: connect nats: %w", err)
	}
	b.conn = conn
	return b, nil
}

// SetMetrics wires transport-level bus counters in after construction, the
// same late-binding pattern as ManagerRegistry.SetObserver.
func (b *NATSBus) SetMetrics(m BusMetrics) {
	b.metrics = m
}

// Publish sends data on subject. nats.go buffers writes across a transient
// reconnect rather than returning an error for them. Core NATS gives the
// publisher no subscriber-count acknowledgement, so the reached count is
// always reported as unknown (0) here.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) (int, error) {
	if err := b.conn.Publish(subject, data); err != nil {
		return 0, fmt.Errorf("revurb: nats publish %s: %w", subject, err)
	}
	if b.metrics != nil {
		b.metrics.BusMessage()
	}
	return 0, nil
}

// Subscribe registers handler for subject, replacing any prior subscription
// on the same subject.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.subs[subject]; ok {
		_ = existing.Unsubscribe()
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if b.metrics != nil {
			b.metrics.BusMessage()
		}
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("revurb: nats subscribe %s: %w", subject, err)
	}
	b.subs[subject] = sub
	return nil
}

// Close unsubscribes every subscription and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Error(err, "event", "nats_unsubscribe", "subject", subject)
		}
	}
	b.conn.Close()
	return nil
}
