package ports

import (
	"context"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

// Embedder builds the query vector for semantic search.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorStore performs bi-encoder nearest-neighbor search.
type VectorStore interface {
	Search(ctx context.Context, queryVector []float32, limit int, scoreThreshold float64) ([]domain.Passage, error)
}

// CandidateScorer scores (query, passage) pairs with a cross-encoder.
// The result is parallel to the passages slice; only relative ordering of
// the scores is meaningful. Failures carry domain.ErrScoringUnavailable.
type CandidateScorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// TokenCounter counts tokens the downstream model would see.
// Failures carry domain.ErrTokenCounting; callers fall back to a heuristic.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// SessionStore holds the unbounded per-session message history.
// AppendTurn must be atomic per session so concurrent follow-ups cannot
// interleave turns.
type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, user, assistant domain.ConversationMessage) error
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeIdleSessions(ctx context.Context, olderThan time.Time) (int, error)
}

// EventPublisher emits retrieval degradation events for offline tuning.
type EventPublisher interface {
	PublishFallback(ctx context.Context, event domain.FallbackEvent) error
}
