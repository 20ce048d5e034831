package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/events"
)

const metricsNamespace = "statlink"

// Metrics holds the Prometheus collectors for the uplink.
type Metrics struct {
	registry *prometheus.Registry

	sent            prometheus.Counter
	sentBytes       prometheus.Counter
	dropped         prometheus.Counter
	rejected        *prometheus.CounterVec
	connectFailures prometheus.Counter
	connects        prometheus.Counter
	disconnects     prometheus.Counter
	serverErrors    prometheus.Counter

	mu     sync.RWMutex
	source func() connector.Stats
}

// NewMetrics registers the uplink collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.sent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_sent_total",
		Help:      "Total number of events written to the socket",
	})
	m.sentBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "payload_bytes_sent_total",
		Help:      "Total payload bytes written to the socket",
	})
	m.dropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Total number of accepted events discarded before delivery",
	})
	m.rejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_rejected_total",
		Help:      "Total number of events refused at submission",
	}, []string{"reason"})
	m.connectFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "connect_failures_total",
		Help:      "Total number of failed connection attempts",
	})
	m.connects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "connects_total",
		Help:      "Total number of established sessions",
	})
	m.disconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "disconnects_total",
		Help:      "Total number of lost sessions",
	})
	m.serverErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "server_errors_total",
		Help:      "Total number of namespace errors reported by the server",
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected",
		Help:      "1 when the namespace is joined",
	}, func() float64 {
		if st, ok := m.snapshot(); ok && st.Established {
			return 1
		}
		return 0
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_length",
		Help:      "Number of events waiting in the outbound queue",
	}, func() float64 {
		st, _ := m.snapshot()
		return float64(st.QueueLength)
	})

	return m
}

// SetSource registers the stats snapshot used by the gauges.
func (m *Metrics) SetSource(fn func() connector.Stats) {
	m.mu.Lock()
	m.source = fn
	m.mu.Unlock()
}

func (m *Metrics) snapshot() (connector.Stats, bool) {
	m.mu.RLock()
	fn := m.source
	m.mu.RUnlock()
	if fn == nil {
		return connector.Stats{}, false
	}
	return fn(), true
}

// Attach subscribes the counters to the event bus.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.Subscribe("metrics", m.handle,
		events.EventDelivered,
		events.EventDropped,
		events.EventRejected,
		events.EventConnectFailed,
		events.EventConnected,
		events.EventDisconnected,
		events.EventServerError,
	)
}

func (m *Metrics) handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventDelivered:
		m.sent.Inc()
		if p, ok := event.Payload.(events.DeliveryPayload); ok {
			m.sentBytes.Add(float64(p.Bytes))
		}
	case events.EventDropped:
		m.dropped.Inc()
	case events.EventRejected:
		reason := "unknown"
		if p, ok := event.Payload.(events.DeliveryPayload); ok && p.Reason != "" {
			reason = p.Reason
		}
		m.rejected.WithLabelValues(reason).Inc()
	case events.EventConnectFailed:
		m.connectFailures.Inc()
	case events.EventConnected:
		m.connects.Inc()
	case events.EventDisconnected:
		m.disconnects.Inc()
	case events.EventServerError:
		m.serverErrors.Inc()
	}
	return nil
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
