// Package metrics exposes relay counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics holds the relay collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOnline    prometheus.Gauge
	viewersConnected  prometheus.Gauge
	connectionsActive prometheus.Gauge
	framesBroadcast   *prometheus.CounterVec
	viewerDrops       prometheus.Counter
	registrations     *prometheus.CounterVec
	forwardRequests   *prometheus.CounterVec
}

// New registers the relay collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_online",
			Help:      "Sessions with a live host.",
		}),
		viewersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_connected",
			Help:      "Viewer links attached to a session.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open WebSocket connections.",
		}),
		framesBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_broadcast_total",
			Help:      "Screen frames fanned out to viewers, by frame type.",
		}, []string{"type"}),
		viewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_drops_total",
			Help:      "Viewers removed because a send failed.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Register attempts by role and result.",
		}, []string{"role", "result"}),
		forwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_total",
			Help:      "Agent API forward requests by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsOnline,
		m.viewersConnected,
		m.connectionsActive,
		m.framesBroadcast,
		m.viewerDrops,
		m.registrations,
		m.forwardRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SessionOnline() {
	if m != nil {
		m.sessionsOnline.Inc()
	}
}

func (m *Metrics) SessionOffline() {
	if m != nil {
		m.sessionsOnline.Dec()
	}
}

func (m *Metrics) ViewerJoined() {
	if m != nil {
		m.viewersConnected.Inc()
	}
}

// ViewerLeft records a viewer leaving; dropped marks removal after a failed send.
func (m *Metrics) ViewerLeft(dropped bool) {
	if m == nil {
		return
	}
	m.viewersConnected.Dec()
	if dropped {
		m.viewerDrops.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

// FrameBroadcast counts one frame fanned out to n viewers.
func (m *Metrics) FrameBroadcast(frameType string, n int) {
	if m != nil && n > 0 {
		m.framesBroadcast.WithLabelValues(frameType).Add(float64(n))
	}
}

func (m *Metrics) Registration(role, result string) {
	if m != nil {
		m.registrations.WithLabelValues(role, result).Inc()
	}
}

func (m *Metrics) ForwardRequest(result string) {
	if m != nil {
		m.forwardRequests.WithLabelValues(result).Inc()
	}
}
