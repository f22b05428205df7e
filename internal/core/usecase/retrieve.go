package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
	"github.com/kmalinin/docchat-core/internal/core/ports"
)

const (
	fallbackCauseScoring       = "scoring_unavailable"
	fallbackCauseLatencyBudget = "latency_budget"
)

type RetrieveUseCase struct {
	embedder ports.Embedder
	vectorDB ports.VectorStore
	scorer   ports.CandidateScorer
	events   ports.EventPublisher
	limits   domain.RetrievalLimits

	now func() time.Time
}

func NewRetrieveUseCase(
	embedder ports.Embedder,
	vectorDB ports.VectorStore,
	scorer ports.CandidateScorer,
	events ports.EventPublisher,
	limits domain.RetrievalLimits,
) *RetrieveUseCase {
	if limits.MatchCount <= 0 {
		limits.MatchCount = 5
	}
	if limits.RecallThreshold <= 0 {
		limits.RecallThreshold = 0.4
	}
	if limits.OverRetrieveFactor <= 0 {
		limits.OverRetrieveFactor = 3
	}
	if limits.MaxPerDocument <= 0 {
		limits.MaxPerDocument = 2
	}
	if limits.PreserveTopN < 0 {
		limits.PreserveTopN = 3
	}
	if limits.LatencyBudget <= 0 {
		limits.LatencyBudget = time.Second
	}

	return &RetrieveUseCase{
		embedder: embedder,
		vectorDB: vectorDB,
		scorer:   scorer,
		events:   events,
		limits:   limits,
		now:      time.Now,
	}
}

// Retrieve runs the hybrid pipeline: over-retrieve at a loose recall
// threshold, batch re-score with the cross-encoder, optionally diversify,
// then filter and truncate. Scoring failures and a blown latency budget
// degrade to bi-encoder ordering instead of failing the request.
func (uc *RetrieveUseCase) Retrieve(ctx context.Context, query string, opts domain.RetrievalOptions) (*domain.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("query is required"))
	}
	opts = uc.fillOptions(opts)

	start := uc.now()
	diag := domain.RetrievalDiagnostics{}

	queryVector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := uc.vectorDB.Search(ctx, queryVector, opts.MatchCount*opts.OverRetrieveFactor, uc.limits.RecallThreshold)
	if err != nil {
		return nil, fmt.Errorf("search vector db: %w", err)
	}
	diag.SearchDuration = uc.now().Sub(start)
	diag.CandidateCount = len(candidates)

	// Empty candidate set is a valid terminal result, not an error.
	if len(candidates) == 0 {
		diag.TotalDuration = uc.now().Sub(start)
		return &domain.RetrievalResult{Passages: []domain.Passage{}, Diagnostics: diag}, nil
	}
	diag.DiversityBefore = diversityScore(candidates)

	if elapsed := uc.now().Sub(start); elapsed > uc.limits.LatencyBudget {
		return uc.fallback(ctx, query, candidates, opts, diag, start, fallbackCauseLatencyBudget), nil
	}

	scoreStart := uc.now()
	texts := make([]string, len(candidates))
	for i, p := range candidates {
		texts[i] = p.Text
	}
	scores, err := uc.scorer.Score(ctx, query, texts)
	diag.ScoreDuration = uc.now().Sub(scoreStart)
	if err != nil || len(scores) != len(candidates) {
		if err == nil {
			err = fmt.Errorf("scorer returned %d scores for %d passages", len(scores), len(candidates))
		}
		slog.Warn("rerank_failed", "query_len", len(query), "candidates", len(candidates), "error", err)
		return uc.fallback(ctx, query, candidates, opts, diag, start, fallbackCauseScoring), nil
	}

	ranked := make([]domain.Passage, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].RerankScore = scores[i]
		ranked[i].Reranked = true
	}
	// Stable sort keeps the original index as the final tie-break.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		return ranked[i].SimilarityScore > ranked[j].SimilarityScore
	})

	if opts.Diversify {
		ranked = diversifyPassages(ranked, opts.MaxPerDocument, opts.PreserveTopN, !uc.limits.FreshRemainderBudget)
	}

	final := make([]domain.Passage, 0, opts.MatchCount)
	for _, p := range ranked {
		if p.RerankScore < opts.MatchThreshold {
			continue
		}
		final = append(final, p)
		if len(final) == opts.MatchCount {
			break
		}
	}

	diag.DiversityAfter = diversityScore(final)
	diag.TotalDuration = uc.now().Sub(start)
	return &domain.RetrievalResult{Passages: final, Diagnostics: diag}, nil
}

// fallback returns the bi-encoder-ordered candidates truncated to the match
// count at the original recall threshold. Never an error to the caller.
func (uc *RetrieveUseCase) fallback(
	ctx context.Context,
	query string,
	candidates []domain.Passage,
	opts domain.RetrievalOptions,
	diag domain.RetrievalDiagnostics,
	start time.Time,
	cause string,
) *domain.RetrievalResult {
	final := candidates
	if len(final) > opts.MatchCount {
		final = final[:opts.MatchCount]
	}

	diag.Fallback = true
	diag.FallbackCause = cause
	diag.DiversityAfter = diversityScore(final)
	diag.TotalDuration = uc.now().Sub(start)

	slog.Warn("retrieval_fallback",
		"cause", cause,
		"candidates", len(candidates),
		"returned", len(final),
		"search_ms", float64(diag.SearchDuration.Microseconds())/1000.0,
		"elapsed_ms", float64(diag.TotalDuration.Microseconds())/1000.0,
	)
	if uc.events != nil {
		event := domain.FallbackEvent{
			Query:          query,
			Cause:          cause,
			CandidateCount: len(candidates),
			ReturnedCount:  len(final),
			Elapsed:        diag.TotalDuration,
			OccurredAt:     uc.now().UTC(),
		}
		if err := uc.events.PublishFallback(ctx, event); err != nil {
			slog.Warn("fallback_event_publish_failed", "cause", cause, "error", err)
		}
	}

	return &domain.RetrievalResult{Passages: final, Diagnostics: diag}
}

func (uc *RetrieveUseCase) fillOptions(opts domain.RetrievalOptions) domain.RetrievalOptions {
	if opts.MatchCount <= 0 {
		opts.MatchCount = uc.limits.MatchCount
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = uc.limits.MatchThreshold
	}
	if opts.OverRetrieveFactor <= 0 {
		opts.OverRetrieveFactor = uc.limits.OverRetrieveFactor
	}
	if opts.MaxPerDocument <= 0 {
		opts.MaxPerDocument = uc.limits.MaxPerDocument
	}
	if opts.PreserveTopN <= 0 {
		opts.PreserveTopN = uc.limits.PreserveTopN
	}
	return opts
}
