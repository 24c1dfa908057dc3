// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelayResponses     *prometheus.CounterVec
	SSEEvents          prometheus.Counter
	SecurityRejections *prometheus.CounterVec

	BridgeSessionsActive *prometheus.GaugeVec
	BridgeMessages       *prometheus.CounterVec

	// ScrapePath is where the registry is served. Requests to it are
	// labelled "/metrics" whatever the configured path is.
	ScrapePath string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry:   reg,
		ScrapePath: "/metrics",

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RelayResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_relay_responses_total",
			Help: "Relayed responses by write-back mode.",
		}, []string{"mode"}),

		SSEEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_proxy_sse_events_total",
			Help: "Server-sent events re-framed and written to clients.",
		}),

		SecurityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_security_rejections_total",
			Help: "Requests rejected by the security policy.",
		}, []string{"reason"}),

		BridgeSessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cors_proxy_bridge_sessions_active",
			Help: "WebSocket bridge sessions currently open.",
		}, []string{"mode"}),

		BridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_bridge_messages_total",
			Help: "WebSocket messages forwarded by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayResponses,
		m.SSEEvents,
		m.SecurityRejections,
		m.BridgeSessionsActive,
		m.BridgeMessages,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics. Proxied
// requests name their target in the query, so any other path is "proxy".
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "proxy"
}

// PathLabel is NormalizePath with the configured scrape path recognized.
func (m *Metrics) PathLabel(path string) string {
	if m.ScrapePath != "" && path == m.ScrapePath {
		return "/metrics"
	}
	return NormalizePath(path)
}
