package domain

import "time"

// Passage is one candidate chunk coming back from vector search.
// SimilarityScore is the bi-encoder score assigned by the vector store;
// RerankScore is assigned by the cross-encoder and, once set, is the only
// sort key downstream. SimilarityScore is kept for diagnostics and for the
// degraded ranking path.
type Passage struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	Text            string  `json:"text"`
	SimilarityScore float64 `json:"similarity_score"`
	RerankScore     float64 `json:"rerank_score"`
	Reranked        bool    `json:"reranked"`
	Page            int     `json:"page,omitempty"`
	Strategy        string  `json:"strategy,omitempty"`
}

type RetrievalOptions struct {
	MatchCount         int     `json:"match_count"`
	MatchThreshold     float64 `json:"match_threshold"`
	Diversify          bool    `json:"diversify"`
	OverRetrieveFactor int     `json:"over_retrieve_factor"`
	MaxPerDocument     int     `json:"max_per_document"`
	PreserveTopN       int     `json:"preserve_top_n"`
}

// RetrievalLimits are service-level retrieval defaults and budgets.
// FreshRemainderBudget switches off seeding the per-document cap with the
// preserved prefix counts; the seeded interpretation is the default.
type RetrievalLimits struct {
	MatchCount           int           `json:"match_count"`
	MatchThreshold       float64       `json:"match_threshold"`
	RecallThreshold      float64       `json:"recall_threshold"`
	OverRetrieveFactor   int           `json:"over_retrieve_factor"`
	MaxPerDocument       int           `json:"max_per_document"`
	PreserveTopN         int           `json:"preserve_top_n"`
	FreshRemainderBudget bool          `json:"fresh_remainder_budget"`
	LatencyBudget        time.Duration `json:"latency_budget"`
}

// RetrievalDiagnostics is request-scoped observability attached to every
// retrieval result, fallback runs included.
type RetrievalDiagnostics struct {
	SearchDuration  time.Duration `json:"search_duration_ms"`
	ScoreDuration   time.Duration `json:"score_duration_ms"`
	TotalDuration   time.Duration `json:"total_duration_ms"`
	CandidateCount  int           `json:"candidate_count"`
	DiversityBefore float64       `json:"diversity_before"`
	DiversityAfter  float64       `json:"diversity_after"`
	Fallback        bool          `json:"fallback"`
	FallbackCause   string        `json:"fallback_cause,omitempty"`
}

type RetrievalResult struct {
	Passages    []Passage            `json:"passages"`
	Diagnostics RetrievalDiagnostics `json:"diagnostics"`
}

// FallbackEvent is published when retrieval degrades to bi-encoder ordering,
// so thresholds and factors can be tuned post hoc.
type FallbackEvent struct {
	RequestID      string        `json:"request_id,omitempty"`
	Query          string        `json:"query"`
	Cause          string        `json:"cause"`
	CandidateCount int           `json:"candidate_count"`
	ReturnedCount  int           `json:"returned_count"`
	Elapsed        time.Duration `json:"elapsed_ms"`
	OccurredAt     time.Time     `json:"occurred_at"`
}
