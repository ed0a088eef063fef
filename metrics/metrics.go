// Package metrics holds the Prometheus collectors shared by the relay, the
// pipeline and the front-ends. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	connections    prometheus.Gauge
	connects       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	bytesIn        prometheus.Counter
	lines          *prometheus.CounterVec
	ruleFires      *prometheus.CounterVec
	scriptErrors   prometheus.Counter
	scriptDuration prometheus.Histogram
	sessions       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mudscape_relay_connections",
			Help: "Open outbound game server connections.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudscape_relay_connect_attempts_total",
			Help: "Outbound connect attempts by result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudscape_rejections_total",
			Help: "Requests rejected before any network activity, by reason.",
		}, []string{"reason"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mudscape_relay_received_bytes_total",
			Help: "Raw bytes read from game servers.",
		}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudscape_pipeline_lines_total",
			Help: "Lines processed by the automation pipeline, by outcome.",
		}, []string{"outcome"}),
		ruleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudscape_rule_fires_total",
			Help: "Rules that matched, by kind.",
		}, []string{"kind"}),
		scriptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mudscape_script_errors_total",
			Help: "Scripts that failed or timed out.",
		}),
		scriptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mudscape_script_duration_seconds",
			Help:    "Script execution time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mudscape_sessions",
			Help: "Connected front-end sessions.",
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.connects,
		m.rejections,
		m.bytesIn,
		m.lines,
		m.ruleFires,
		m.scriptErrors,
		m.scriptDuration,
		m.sessions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connects.WithLabelValues("ok").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.connects.WithLabelValues("failed").Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) Line(outcome string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RuleFired(kind string) {
	if m == nil {
		return
	}
	m.ruleFires.WithLabelValues(kind).Inc()
}

func (m *Metrics) ScriptRan(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.scriptDuration.Observe(seconds)
	if failed {
		m.scriptErrors.Inc()
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
