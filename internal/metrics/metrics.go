// Package metrics provides Prometheus instrumentation for the notice relay.
// It exposes gauges for the connection registry and backlog size, and
// counters for notice throughput and delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notice kinds used as the "kind" label on NoticesTotal.
const (
	KindNotice = "notice"
	KindClear  = "clear"
	KindOpaque = "opaque"
)

var (
	// Connections tracks the number of connections registered with the hub.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of registered relay connections",
	})

	// HistorySize tracks the number of payloads held for replay.
	HistorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_history_size",
		Help: "Number of notices retained for backlog replay",
	})

	// NoticesTotal counts accepted inbound payloads, labeled by kind:
	// "notice", "clear" or "opaque" (undecodable, relayed as-is).
	NoticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_notices_total",
		Help: "Total number of inbound notices accepted by the hub",
	}, []string{"kind"})

	// DeliveriesTotal counts live broadcast frames queued to connections.
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total number of live frames queued for delivery",
	})

	// ReplayedTotal counts backlog frames queued to newly opened connections.
	ReplayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_replayed_total",
		Help: "Total number of backlog frames replayed to new connections",
	})

	// SlowEvictionsTotal counts connections dropped because their outbound
	// queue was full.
	SlowEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_evictions_total",
		Help: "Total number of connections evicted as slow consumers",
	})

	// WriteLatency records how long a single frame write to a socket takes.
	WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_write_latency_seconds",
		Help:    "Frame write latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		HistorySize,
		NoticesTotal,
		DeliveriesTotal,
		ReplayedTotal,
		SlowEvictionsTotal,
		WriteLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
