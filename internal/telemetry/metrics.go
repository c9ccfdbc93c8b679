// Package telemetry holds the prometheus metrics and tracing helpers shared
// by the indexing and query paths.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codectx_queries_total",
		Help: "Queries served, by outcome",
	}, []string{"outcome"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codectx_query_duration_seconds",
		Help:    "Time to rank and assemble a query",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"phase"})

	ClosureEntities = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codectx_closure_entities",
		Help:    "Entities per assembled closure",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
	})

	ClosureTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codectx_closure_truncations_total",
		Help: "Closures cut short, by reason",
	}, []string{"reason"})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codectx_embedding_requests_total",
		Help: "Embedding requests, by outcome",
	}, []string{"outcome"})

	EmbeddingQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codectx_embedding_queue",
		Help: "Embedding jobs waiting for a worker",
	})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codectx_parse_failures_total",
		Help: "Files skipped because the parser failed",
	}, []string{"language"})

	GraphEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codectx_graph_entities",
		Help: "Entities currently in the graph",
	})

	GraphRelationships = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codectx_graph_relationships",
		Help: "Relationships currently attached in the graph",
	})

	FileUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codectx_file_updates_total",
		Help: "Incremental file updates applied, by kind",
	}, []string{"kind"})
)
