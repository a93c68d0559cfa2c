// Package metrics holds the Prometheus collectors exported on /metrics.
// Collectors are registered on the default registry through promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchgraph_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branchgraph_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	// Resolutions counts resolveActive lookups by outcome: found, missing
	// (no candidate) or shadowed (top candidate is a deletion).
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchgraph_resolutions_total",
			Help: "Active-edge resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// EdgeWrites counts written edges: attached, closed or shadowed.
	EdgeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchgraph_edge_writes_total",
			Help: "Edges written by kind of write",
		},
		[]string{"kind", "branch"},
	)

	RewriteOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchgraph_rewrite_operations_total",
			Help: "Schema rewrite operations by type and result",
		},
		[]string{"operation", "result"},
	)

	MigrationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchgraph_migrations_total",
			Help: "Migrations executed by result",
		},
		[]string{"migration", "result"},
	)

	MigrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branchgraph_migration_duration_seconds",
			Help:    "Duration of a single migration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"migration"},
	)

	GraphVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "branchgraph_graph_version",
			Help: "Schema version recorded on the root vertex",
		},
	)

	Branches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "branchgraph_branches",
			Help: "Number of known branches",
		},
	)
)
