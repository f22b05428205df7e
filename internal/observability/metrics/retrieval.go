package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

// RetrievalMetrics exposes the per-stage latency breakdown and fallback
// counters needed to tune thresholds and over-retrieve factors post hoc.
type RetrievalMetrics struct {
	registry *prometheus.Registry

	stageDuration  *prometheus.HistogramVec
	fallbackTotal  *prometheus.CounterVec
	candidateCount prometheus.Histogram
	diversityScore prometheus.Histogram
}

func NewRetrievalMetrics(service string) *RetrievalMetrics {
	registry := prometheus.NewRegistry()

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docchat",
			Subsystem: "retrieval",
			Name:      "stage_duration_seconds",
			Help:      "Retrieval stage duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"stage"},
	)
	fallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docchat",
			Subsystem: "retrieval",
			Name:      "fallback_total",
			Help:      "Total retrieval requests degraded to bi-encoder ordering, by cause.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"cause"},
	)
	candidateCount := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docchat",
			Subsystem: "retrieval",
			Name:      "candidate_count",
			Help:      "Candidates returned by vector search per request.",
			Buckets:   []float64{0, 1, 2, 5, 10, 15, 20, 30, 50, 100},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	diversityScore := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docchat",
			Subsystem: "retrieval",
			Name:      "diversity_score",
			Help:      "Unique-document ratio of the final passage set.",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(stageDuration, fallbackTotal, candidateCount, diversityScore)

	return &RetrievalMetrics{
		registry:       registry,
		stageDuration:  stageDuration,
		fallbackTotal:  fallbackTotal,
		candidateCount: candidateCount,
		diversityScore: diversityScore,
	}
}

func (m *RetrievalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRetrieval records one retrieval result from its diagnostics.
func (m *RetrievalMetrics) ObserveRetrieval(diag domain.RetrievalDiagnostics) {
	m.observeStage("search", diag.SearchDuration)
	m.observeStage("score", diag.ScoreDuration)
	m.observeStage("total", diag.TotalDuration)
	m.candidateCount.Observe(float64(diag.CandidateCount))
	m.diversityScore.Observe(diag.DiversityAfter)

	if diag.Fallback {
		cause := diag.FallbackCause
		if cause == "" {
			cause = "unknown"
		}
		m.fallbackTotal.WithLabelValues(cause).Inc()
	}
}

func (m *RetrievalMetrics) observeStage(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
