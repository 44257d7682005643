package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsIngested counts ingestion outcomes by final status.
	DocumentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonlens_documents_ingested_total",
		Help: "Documents processed by the ingestion pipeline, by final status.",
	}, []string{"status"})

	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carbonlens_ingestion_duration_seconds",
		Help:    "End to end ingestion latency per document.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	ChunksStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbonlens_chunks_stored_total",
		Help: "Chunks written to the vector store.",
	})

	// Queries counts retrieval outcomes: answered, cached,
	// insufficient_evidence or error.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonlens_queries_total",
		Help: "Retrieval queries by outcome.",
	}, []string{"outcome"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carbonlens_query_duration_seconds",
		Help:    "Retrieval latency including generation.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	EmissionReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonlens_emission_reports_total",
		Help: "Emission report calculations by outcome.",
	}, []string{"outcome"})

	// TokensUsed sums model token consumption reported by the LLM
	// endpoint, split into prompt and completion tokens.
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonlens_llm_tokens_total",
		Help: "LLM tokens consumed, by kind.",
	}, []string{"kind"})

	// ServiceRequests tracks calls to external model services.
	ServiceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonlens_service_requests_total",
		Help: "Requests to external model services by service and outcome.",
	}, []string{"service", "outcome"})
)
