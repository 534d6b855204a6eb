package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitegraph/backend/pkg/circuitbreaker"
)

var (
	AuditDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitegraph_audit_duration_seconds",
			Help:    "Audit duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	AuditTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_audit_total",
			Help: "Total number of audits run",
		},
		[]string{"kind", "status"},
	)

	HealthScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitegraph_health_score",
			Help:    "Site health scores produced by the structural audit",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	SuggestionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_suggestion_requests_total",
			Help: "Suggestion generation requests by result source",
		},
		[]string{"source"},
	)

	SuggestionsGenerated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitegraph_suggestions_generated",
			Help:    "Number of suggestions persisted per generation run",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
		},
	)

	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitegraph_generation_duration_seconds",
			Help:    "Suggestion generation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ReviewActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_review_actions_total",
			Help: "Suggestion review actions",
		},
		[]string{"action", "status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	EmbeddingsBackfilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitegraph_embeddings_backfilled_total",
			Help: "Total page embeddings written by backfill",
		},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_tasks_processed_total",
			Help: "Queued tasks processed by the worker",
		},
		[]string{"status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitegraph_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegraph_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)
)

func Init() {
	prometheus.MustRegister(AuditDuration)
	prometheus.MustRegister(AuditTotal)
	prometheus.MustRegister(HealthScore)
	prometheus.MustRegister(SuggestionRequests)
	prometheus.MustRegister(SuggestionsGenerated)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(ReviewActions)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(EmbeddingsBackfilled)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitions)
}

// ObserveBreaker is a circuitbreaker OnStateChange hook.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(breakerValue(to))
	BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

func breakerValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
