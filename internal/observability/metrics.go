package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the memory subsystem.
type Metrics struct {
	// EmbeddingRequestCounter counts embedding API calls.
	// Labels: provider, status (success|error)
	EmbeddingRequestCounter *prometheus.CounterVec

	// EmbeddingRequestDuration measures embedding call latency in seconds.
	// Labels: provider
	EmbeddingRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion calls.
	// Labels: purpose (extraction|description|action), status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// MemoriesExtracted counts extracted memory entities.
	MemoriesExtracted prometheus.Counter

	// RelationshipsWritten counts relationship edges upserted (both directions).
	RelationshipsWritten prometheus.Counter

	// ActionCacheLookups counts action cache lookups.
	// Labels: result (hit|miss)
	ActionCacheLookups *prometheus.CounterVec

	// ContextTokensUsed observes the token estimate of assembled contexts.
	ContextTokensUsed prometheus.Histogram

	// ContextAssemblies counts context assembly runs.
	// Labels: outcome (assembled|skipped|empty)
	ContextAssemblies *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Passing nil uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EmbeddingRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryzomatic_embedding_requests_total",
				Help: "Total embedding API calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		EmbeddingRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ryzomatic_embedding_request_duration_seconds",
				Help:    "Duration of embedding API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryzomatic_llm_requests_total",
				Help: "Total completion calls by purpose and status",
			},
			[]string{"purpose", "status"},
		),
		MemoriesExtracted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ryzomatic_memories_extracted_total",
				Help: "Total memory entities extracted and stored",
			},
		),
		RelationshipsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ryzomatic_relationships_written_total",
				Help: "Total relationship edges upserted, counting both directions",
			},
		),
		ActionCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryzomatic_action_cache_lookups_total",
				Help: "Action cache lookups by result",
			},
			[]string{"result"},
		),
		ContextTokensUsed: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ryzomatic_context_tokens_used",
				Help:    "Estimated token count of assembled context payloads",
				Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000},
			},
		),
		ContextAssemblies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ryzomatic_context_assemblies_total",
				Help: "Context assembly runs by outcome",
			},
			[]string{"outcome"},
		),
	}
}
