// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Mutation kinds recorded by the request bridge.
const (
	MutationHeader       = "header"
	MutationCookieSet    = "cookie_set"
	MutationCookieDelete = "cookie_delete"
)

// Values of the served_by label on inbound request metrics.
const (
	ServedByBridge = "bridge"
	ServedByRoute  = "route"
)

// Upgrade results recorded by the upgrade router.
const (
	UpgradeAccepted = "accepted"
	UpgradeIgnored  = "ignored"
	UpgradeFailed   = "failed"
)

// Metrics holds all Prometheus metric collectors for the bridge.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	OutboundDuration  *prometheus.HistogramVec
	OutboundResponses *prometheus.CounterVec
	BatchSize         *prometheus.HistogramVec

	InterceptedMutations *prometheus.CounterVec

	Upgrades          *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. prefixes bound the path_prefix label; anything else is "other".
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_bridge_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix", "served_by"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_bridge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix", "served_by"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpc_bridge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_bridge_outbound_request_duration_seconds",
			Help:    "Outbound RPC fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		OutboundResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_bridge_outbound_responses_total",
			Help: "Total outbound RPC responses by method and status code.",
		}, []string{"method", "status_code"}),

		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_bridge_client_batch_size",
			Help:    "Number of calls sent per batched request.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"type"}),

		InterceptedMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_bridge_intercepted_mutations_total",
			Help: "Header and cookie mutations captured by the request bridge.",
		}, []string{"kind"}),

		Upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_bridge_upgrades_total",
			Help: "Connection upgrade events by result.",
		}, []string{"result"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpc_bridge_connections_active",
			Help: "Number of open long-lived connections.",
		}),

		prefixes: prefixes,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.OutboundDuration,
		m.OutboundResponses,
		m.BatchSize,
		m.InterceptedMutations,
		m.Upgrades,
		m.ConnectionsActive,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label: the first configured prefix
// that path falls under, or "other".
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// Handler returns an http.Handler exposing the registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
