package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the daemon. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Resolutions     *prometheus.CounterVec
	KeepAliveProbes *prometheus.CounterVec
	ProxyTests      *prometheus.CounterVec
	Reloads         prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{Registry: registry}

	m.BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyrouter_bytes_sent_total",
		Help: "Bytes sent by monitored tabs",
	})
	registry.MustRegister(m.BytesSent)

	m.BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyrouter_bytes_received_total",
		Help: "Bytes received by monitored tabs",
	})
	registry.MustRegister(m.BytesReceived)

	m.Resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyrouter_resolutions_total",
		Help: "Proxy resolutions by deciding layer",
	}, []string{"layer"})
	registry.MustRegister(m.Resolutions)

	m.KeepAliveProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyrouter_keepalive_probes_total",
		Help: "Keep-alive probes by proxy and outcome",
	}, []string{"proxy", "outcome"})
	registry.MustRegister(m.KeepAliveProbes)

	m.ProxyTests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyrouter_proxy_tests_total",
		Help: "Manual proxy tests by outcome",
	}, []string{"outcome"})
	registry.MustRegister(m.ProxyTests)

	m.Reloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxyrouter_settings_reloads_total",
		Help: "Full settings reloads",
	})
	registry.MustRegister(m.Reloads)

	return m
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) AddBytes(sent, received int64) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.BytesSent.Add(float64(sent))
	}
	if received > 0 {
		m.BytesReceived.Add(float64(received))
	}
}

func (m *Metrics) ObserveResolution(layer string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(layer).Inc()
}

func (m *Metrics) ObserveKeepAlive(proxyID string, success bool) {
	if m == nil {
		return
	}
	m.KeepAliveProbes.WithLabelValues(proxyID, outcome(success)).Inc()
}

func (m *Metrics) ObserveProxyTest(success bool) {
	if m == nil {
		return
	}
	m.ProxyTests.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) ObserveReload() {
	if m == nil {
		return
	}
	m.Reloads.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
