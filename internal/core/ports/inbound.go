package ports

import (
	"context"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

// Retriever is the inbound contract for hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts domain.RetrievalOptions) (*domain.RetrievalResult, error)
}

// ContextManager is the inbound contract for bounded conversation memory.
type ContextManager interface {
	ContextWindow(ctx context.Context, sessionID string) (*domain.ContextWindow, error)
	AddTurn(ctx context.Context, sessionID, userText, assistantText string, passageIDs []string) error
	FormatForPrompt(window *domain.ContextWindow, includePassageRefs bool) string
	ClearSession(ctx context.Context, sessionID string) error
}
