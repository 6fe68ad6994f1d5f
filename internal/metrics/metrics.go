// Package metrics registers the routing service's Prometheus collectors.
// Unlike the teacher's standalone metrics-server, these are exercised
// in-process only — the spec treats a scrape endpoint as out of scope, so
// nothing here serves /metrics over HTTP.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drift_route_requests_total",
			Help: "Total routing requests processed, by action.",
		},
		[]string{"action"},
	)

	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drift_route_pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency per request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drift_route_stage_duration_seconds",
			Help:    "Per-stage latency within the routing pipeline.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	EmbeddingClientErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drift_route_embedding_client_errors_total",
			Help: "Embedding client failures, by operation.",
		},
		[]string{"op"},
	)

	FactExtractionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drift_route_fact_extraction_queue_depth",
			Help: "Current depth of the fact-extraction worker queue.",
		},
	)
)

// Register adds all collectors to the given registerer. Call once at
// startup with prometheus.DefaultRegisterer (or a test registry).
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		RequestsTotal,
		PipelineDuration,
		StageDuration,
		EmbeddingClientErrors,
		FactExtractionQueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
