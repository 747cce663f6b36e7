package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duet"

// Metrics holds the server's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	connections   prometheus.Gauge
	bound         prometheus.Gauge
	messages      prometheus.Counter
	rejections    *prometheus.CounterVec
	offline       prometheus.Counter
	dropped       *prometheus.CounterVec
	appendLatency prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_connections",
			Help:      "Connections that completed join.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages appended to a thread.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_rejections_total",
			Help:      "Send requests rejected, by reason.",
		}, []string{"reason"}),
		offline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_offline_total",
			Help:      "Persisted messages whose receiver had no live connection.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Events dropped because a connection's queue was full.",
		}, []string{"event"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_seconds",
			Help:      "Time spent appending a message to its thread.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.bound, m.messages, m.rejections, m.offline, m.dropped, m.appendLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Bound() {
	if m != nil {
		m.bound.Inc()
	}
}

func (m *Metrics) Unbound() {
	if m != nil {
		m.bound.Dec()
	}
}

// Persisted records a successful append and how long it took.
func (m *Metrics) Persisted(took time.Duration) {
	if m != nil {
		m.messages.Inc()
		m.appendLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ReceiverOffline() {
	if m != nil {
		m.offline.Inc()
	}
}

func (m *Metrics) Dropped(event string, n int) {
	if m != nil && n > 0 {
		m.dropped.WithLabelValues(event).Add(float64(n))
	}
}
