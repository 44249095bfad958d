// Package metrics implements the Metrics Aggregator (spec §4.12): local
// gathering straight from the Channel Manager, Prometheus-backed counters
// and gauges for the /metrics endpoint, and gopsutil-backed process stats -
// grounded on the teacher's internal/metrics package, generalized from a
// single fixed "websocket" domain to per-Application channel/connection
// counts.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/tomnagengast/revurb/internal/dispatch"
)

// Prometheus holds every gauge/counter/histogram revurb exports on /metrics.
type Prometheus struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsClosed prometheus.Counter
	connectionErrors  prometheus.Counter

	channelsActive prometheus.Gauge

	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	messageSize      prometheus.Histogram

	busMessages   prometheus.Counter
	busReconnects prometheus.Counter
	busConnected  prometheus.Gauge

	dispatchLatency prometheus.Histogram

	goroutines  prometheus.Gauge
	memoryBytes prometheus.Gauge
	cpuPercent  prometheus.Gauge

	errorsByType *prometheus.CounterVec
}

// NewPrometheus registers every collector against the default registry.
func NewPrometheus() *Prometheus {
	return &Prometheus{
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_connections_total",
			Help: "Total WebSocket connections accepted.",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_connections_closed_total",
			Help: "Total WebSocket connections closed.",
		}),
		connectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_connection_errors_total",
			Help: "Total connection-level errors (quota, origin, oversize).",
		}),
		channelsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_channels_active",
			Help: "Currently occupied channels across all applications.",
		}),
		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_messages_received_total",
			Help: "Total inbound frames processed.",
		}),
		messagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_messages_sent_total",
			Help: "Total outbound frames queued for delivery.",
		}),
		messageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "revurb_message_size_bytes",
			Help:    "Size of inbound frames in bytes.",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}),
		busMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_bus_messages_total",
			Help: "Total messages exchanged over the pub/sub bus.",
		}),
		busReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "revurb_bus_reconnects_total",
			Help: "Total pub/sub bus reconnect events.",
		}),
		busConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_bus_connected",
			Help: "1 if the pub/sub bus connection is up, 0 otherwise.",
		}),
		dispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "revurb_dispatch_latency_seconds",
			Help:    "Time spent routing one message to its channel subscribers or the bus.",
			Buckets: prometheus.DefBuckets,
		}),
		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_goroutines",
			Help: "Number of live goroutines.",
		}),
		memoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_memory_heap_bytes",
			Help: "Heap bytes in use.",
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "revurb_cpu_percent",
			Help: "Process CPU usage percentage, smoothed.",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "revurb_errors_total",
			Help: "Total errors by type.",
		}, []string{"type"}),
	}
}

func (p *Prometheus) ConnectionOpened() {
	p.connectionsTotal.Inc()
	p.connectionsActive.Inc()
}

func (p *Prometheus) ConnectionClosed() {
	p.connectionsClosed.Inc()
	p.connectionsActive.Dec()
}

func (p *Prometheus) ConnectionError(kind string) {
	p.connectionErrors.Inc()
	p.errorsByType.WithLabelValues(kind).Inc()
}

func (p *Prometheus) SetChannelsActive(n int) { p.channelsActive.Set(float64(n)) }

func (p *Prometheus) MessageReceived(size int) {
	p.messagesReceived.Inc()
	p.messageSize.Observe(float64(size))
}

func (p *Prometheus) MessageSent()    { p.messagesSent.Inc() }
func (p *Prometheus) BusMessage()     { p.busMessages.Inc() }
func (p *Prometheus) BusReconnected() { p.busReconnects.Inc() }

func (p *Prometheus) SetBusConnected(up bool) {
	if up {
		p.busConnected.Set(1)
	} else {
		p.busConnected.Set(0)
	}
}

// ObserveDispatchLatency records how long one route() call took, satisfying
// dispatch.Metrics.
func (p *Prometheus) ObserveDispatchLatency(d time.Duration) {
	p.dispatchLatency.Observe(d.Seconds())
}

// System periodically samples process CPU/memory/goroutine counts into the
// Prometheus gauges, grounded on the teacher's SystemMetrics smoothing.
type System struct {
	prom *Prometheus

	mu         sync.Mutex
	cpuPercent float64
}

// NewSystem builds a sampler writing into prom.
func NewSystem(prom *Prometheus) *System {
	return &System{prom: prom}
}

// Sample refreshes goroutine count, heap usage, and a smoothed CPU percent.
// It blocks for up to 1s (gopsutil's sampling window) and should be called
// from a periodic job, not a request path.
func (s *System) Sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.prom.goroutines.Set(float64(runtime.NumGoroutine()))
	s.prom.memoryBytes.Set(float64(mem.HeapAlloc))

	percents, err := cpu.Percent(time.Second, false)
	if err != nil || len(percents) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	const alpha = 0.3
	if s.cpuPercent == 0 {
		s.cpuPercent = percents[0]
	} else {
		s.cpuPercent = alpha*percents[0] + (1-alpha)*s.cpuPercent
	}
	s.prom.cpuPercent.Set(s.cpuPercent)
}

// ChannelObserver keeps the channels-active gauge in sync with every
// ManagerRegistry's actual occupied-channel count, satisfying
// channel.Observer without internal/channel needing to know Prometheus
// exists.
type ChannelObserver struct {
	prom     *Prometheus
	managers *dispatch.ManagerRegistry
}

// NewChannelObserver builds an observer. Wire it in with
// dispatch.ManagerRegistry.SetObserver once both sides exist.
func NewChannelObserver(prom *Prometheus, managers *dispatch.ManagerRegistry) *ChannelObserver {
	return &ChannelObserver{prom: prom, managers: managers}
}

func (o *ChannelObserver) ChannelCreated(appID, name string) { o.refresh() }
func (o *ChannelObserver) ChannelRemoved(appID, name string) { o.refresh() }

func (o *ChannelObserver) refresh() {
	total := 0
	for _, m := range o.managers.All() {
		total += len(m.All())
	}
	o.prom.SetChannelsActive(total)
}

// LocalSnapshot is what a single node can answer about its own state
// without consulting the bus (spec §4.12 step "local gathering").
type LocalSnapshot struct {
	Channels    int `json:"channels"`
	Connections int `json:"connections"`
}

// LocalGatherer serves a LocalSnapshot for one Application directly from
// its channel.Manager, with no bus round trip.
type LocalGatherer struct {
	managers *dispatch.ManagerRegistry
}

// NewLocalGatherer builds a gatherer over managers.
func NewLocalGatherer(managers *dispatch.ManagerRegistry) *LocalGatherer {
	return &LocalGatherer{managers: managers}
}

// Snapshot returns this node's view of appID's channels and connections.
func (g *LocalGatherer) Snapshot(appID string) LocalSnapshot {
	mgr := g.managers.Find(appID)
	if mgr == nil {
		return LocalSnapshot{}
	}
	return LocalSnapshot{
		Channels:    len(mgr.All()),
		Connections: len(mgr.Connections()),
	}
}
