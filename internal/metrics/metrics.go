package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records gateway, routing and push activity. All methods are safe
// on a nil receiver so components can run without instrumentation.
type Metrics struct {
	connections  prometheus.Gauge
	joins        *prometheus.CounterVec
	routes       *prometheus.CounterVec
	ephemeral    *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	eventErrors  *prometheus.CounterVec
	eventLatency *prometheus.HistogramVec
}

// New registers the collectors with reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketchat_connections_active",
			Help: "Live connections currently open on this node.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketchat_joins_total",
			Help: "Session bind attempts grouped by result.",
		}, []string{"result"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketchat_routes_total",
			Help: "Routed messages grouped by delivery outcome.",
		}, []string{"outcome"}),
		ephemeral: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketchat_ephemeral_total",
			Help: "Typing indicator fan-outs grouped by result.",
		}, []string{"result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketchat_push_total",
			Help: "Push notification attempts grouped by platform and result.",
		}, []string{"platform", "result"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketchat_event_errors_total",
			Help: "Error events returned to live connections grouped by code.",
		}, []string{"code"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketchat_event_latency_seconds",
			Help:    "Time spent handling inbound live events.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.connections,
		m.joins,
		m.routes,
		m.ephemeral,
		m.pushes,
		m.eventErrors,
		m.eventLatency,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) Route(outcome string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Ephemeral(result string) {
	if m == nil {
		return
	}
	m.ephemeral.WithLabelValues(result).Inc()
}

func (m *Metrics) Push(platform, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) EventError(code string) {
	if m == nil {
		return
	}
	m.eventErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveEvent(event string, dur time.Duration) {
	if m == nil || event == "" {
		return
	}
	m.eventLatency.WithLabelValues(event).Observe(dur.Seconds())
}
