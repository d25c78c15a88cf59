package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted  prometheus.Counter
	JobsCompleted  *prometheus.CounterVec // label: outcome (completed|failed|cancelled|rejected)
	JobsRetried    prometheus.Counter
	QueueDepth     prometheus.Gauge
	ActiveWorkers  prometheus.Gauge
	StageDuration  *prometheus.HistogramVec // label: stage
	StageFailures  *prometheus.CounterVec   // labels: stage, kind
	LLMCalls       *prometheus.CounterVec   // label: purpose (screening|transform|answer)
	EmbeddingCalls prometheus.Counter
	ScreeningCache *prometheus.CounterVec // label: result (hit|miss)
	StoreWrites    *prometheus.CounterVec // labels: backend (blob|meta|vector|graph), outcome
	SweepOrphans   prometheus.Counter
	QueriesServed  prometheus.Counter
	SSESubscribers prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "citetrace_jobs_submitted_total",
			Help: "Ingestion jobs accepted by the job manager.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "citetrace_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "citetrace_jobs_retried_total",
			Help: "Retry attempts scheduled after transient failures.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "citetrace_queue_depth",
			Help: "Jobs currently waiting in the priority queue.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "citetrace_active_workers",
			Help: "Workers currently running a job.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "citetrace_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "citetrace_stage_failures_total",
			Help: "Stage failures by stage and error kind.",
		}, []string{"stage", "kind"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "citetrace_llm_calls_total",
			Help: "Chat completion calls by purpose.",
		}, []string{"purpose"}),
		EmbeddingCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "citetrace_embedding_calls_total",
			Help: "Embedding provider calls.",
		}),
		ScreeningCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "citetrace_screening_cache_total",
			Help: "Screening cache lookups by result.",
		}, []string{"result"}),
		StoreWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "citetrace_store_writes_total",
			Help: "Backend writes during the store and provenance stages.",
		}, []string{"backend", "outcome"}),
		SweepOrphans: factory.NewCounter(prometheus.CounterOpts{
			Name: "citetrace_sweep_orphans_total",
			Help: "Partially ingested documents found by the reconciliation sweep.",
		}),
		QueriesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "citetrace_queries_total",
			Help: "Retrieval queries answered.",
		}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "citetrace_sse_subscribers",
			Help: "Open SSE progress streams.",
		}),
	}
}

// Handler returns an HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
