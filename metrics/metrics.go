// Package metrics holds the prometheus collectors for a discovery node.
// Collectors live on a private registry so several nodes can coexist in
// one process (the interactive manager runs many).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine and endpoint update.
type Metrics struct {
	reg *prometheus.Registry

	MessagesIn      prometheus.Counter
	PayloadsDropped prometheus.Counter
	ProtocolErrors  prometheus.Counter
	FetchRetries    prometheus.Counter

	Edges       prometheus.Gauge
	Connections prometheus.Gauge
	KnownNodes  prometheus.Gauge
	KnownKeys   prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "slick",
			Subsystem: "discovery",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "slick",
			Subsystem: "discovery",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		reg: reg,

		MessagesIn:      counter("messages_in_total", "Payloads received from peers."),
		PayloadsDropped: counter("payloads_dropped_total", "Payloads dropped on full writer queues."),
		ProtocolErrors:  counter("protocol_errors_total", "Connections closed on protocol violations."),
		FetchRetries:    counter("fetch_retries_total", "Value fetches reissued after timeout."),

		Edges:       gauge("edges", "Initialized gossip edges."),
		Connections: gauge("connections", "Open connections, handshaking and fetch sockets included."),
		KnownNodes:  gauge("known_nodes", "Peers in the node table."),
		KnownKeys:   gauge("known_keys", "Advertisements in the key table."),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
