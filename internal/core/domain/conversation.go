package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is immutable once created. PassageIDs is only set on
// assistant messages and records the provenance of the answer.
type ConversationMessage struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	PassageIDs []string  `json:"passage_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContextWindow is the read-time view over a session's history: the most
// recent messages that fit the turn and token budgets, in chronological
// order, with the total token count over exactly those messages.
type ContextWindow struct {
	SessionID  string                `json:"session_id"`
	Messages   []ConversationMessage `json:"messages"`
	TokenCount int                   `json:"token_count"`
}

func (w *ContextWindow) TurnCount() int {
	if w == nil {
		return 0
	}
	return (len(w.Messages) + 1) / 2
}

type ContextLimits struct {
	MaxTurns         int           `json:"max_turns"`
	MaxContextTokens int           `json:"max_context_tokens"`
	SessionTTL       time.Duration `json:"session_ttl"`
}
