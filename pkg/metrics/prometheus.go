package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcphub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ConnectionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_connection_attempts_total",
		Help: "Connection attempts by transport and outcome",
	}, []string{"transport", "outcome"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_connections_active",
		Help: "Number of connected MCP servers",
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_tool_calls_total",
		Help: "Tool calls by outcome",
	}, []string{"outcome"})

	ToolCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcphub_tool_call_duration_seconds",
		Help:    "Tool call round trip duration",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	ProcessesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_processes_running",
		Help: "Number of supervised server processes currently running",
	})

	ProcessExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_process_exits_total",
		Help: "Supervised process exits by final state",
	}, []string{"state"})

	InstallationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_installations_total",
		Help: "Installations by source and final status",
	}, []string{"source", "status"})

	CatalogRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_catalog_rebuilds_total",
		Help: "Catalog cache rebuilds by lookup outcome",
	}, []string{"lookup", "outcome"})

	CleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcphub_cleanup_runs_total",
		Help: "Cleanup task runs by task and outcome",
	}, []string{"task", "outcome"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcphub_rate_limited_total",
		Help: "Requests rejected by the per-server rate limiter",
	})
)
