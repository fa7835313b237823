// Package metrics exposes Prometheus collectors for MCP gateway traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the MCP core.
type Metrics struct {
	registry *prometheus.Registry

	// Transport metrics.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	InFlight        prometheus.Gauge

	// Rate limiter metrics.
	RateLimitWaits prometheus.Counter

	// Tool execution metrics.
	ToolExecutionsTotal *prometheus.CounterVec
	SoftFailuresTotal   prometheus.Counter

	// Server lifecycle.
	StartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendant_mcp_requests_total",
			Help: "Total number of MCP gateway requests.",
		}, []string{"method", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendant_mcp_request_duration_seconds",
			Help:    "MCP gateway request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_mcp_retries_total",
			Help: "Total number of transport retry attempts.",
		}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendant_mcp_inflight_requests",
			Help: "Number of currently in-flight gateway requests.",
		}),

		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_mcp_ratelimit_waits_total",
			Help: "Total number of requests that waited on the rate limiter.",
		}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendant_tool_executions_total",
			Help: "Total number of tool executions by category and outcome.",
		}, []string{"category", "outcome"}),

		SoftFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_tool_soft_failures_total",
			Help: "Tool executions reported as success but carrying an error or clarification question.",
		}),

		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendant_start_time_seconds",
			Help: "Unix timestamp when the process started.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RetriesTotal,
		m.InFlight,
		m.RateLimitWaits,
		m.ToolExecutionsTotal,
		m.SoftFailuresTotal,
		m.StartTime,
	)

	m.StartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one gateway request with its outcome and duration.
func (m *Metrics) ObserveRequest(method, outcome string, seconds float64) {
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// IncToolExecution increments the tool execution counter.
func (m *Metrics) IncToolExecution(category, outcome string) {
	m.ToolExecutionsTotal.WithLabelValues(category, outcome).Inc()
}
