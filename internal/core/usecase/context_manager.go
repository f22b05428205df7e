package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kmalinin/docchat-core/internal/core/domain"
	"github.com/kmalinin/docchat-core/internal/core/ports"
)

const (
	// Rough chars-per-token ratio used when the exact tokenizer is down.
	heuristicCharsPerToken = 4
	promptContentLimit     = 150
	promptMaxPassageRefs   = 3
	emptyHistorySentinel   = "No previous conversation."
)

type ContextManagerUseCase struct {
	store   ports.SessionStore
	counter ports.TokenCounter
	limits  domain.ContextLimits
}

func NewContextManagerUseCase(
	store ports.SessionStore,
	counter ports.TokenCounter,
	limits domain.ContextLimits,
) *ContextManagerUseCase {
	if limits.MaxTurns <= 0 {
		limits.MaxTurns = 3
	}
	if limits.MaxContextTokens <= 0 {
		limits.MaxContextTokens = 2000
	}
	if limits.SessionTTL <= 0 {
		limits.SessionTTL = 24 * time.Hour
	}

	return &ContextManagerUseCase{
		store:   store,
		counter: counter,
		limits:  limits,
	}
}

// ContextWindow reads the most recent MaxTurns turns and trims them to the
// token budget by evicting whole turns from the oldest end. An unknown
// session yields an empty window, not an error.
func (uc *ContextManagerUseCase) ContextWindow(ctx context.Context, sessionID string) (*domain.ContextWindow, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "context window", fmt.Errorf("session id is required"))
	}

	messages, err := uc.store.ListRecentMessages(ctx, sessionID, 2*uc.limits.MaxTurns)
	if err != nil {
		if domain.IsKind(err, domain.ErrSessionNotFound) {
			return &domain.ContextWindow{SessionID: sessionID, Messages: []domain.ConversationMessage{}}, nil
		}
		return nil, fmt.Errorf("list recent messages: %w", err)
	}

	counts := make([]int, len(messages))
	total := 0
	for i, msg := range messages {
		counts[i] = uc.countTokens(ctx, msg.Content)
		total += counts[i]
	}

	// Evict the oldest complete turn while over budget. The newest message
	// is always kept even if it alone exceeds the budget; it is never
	// truncated at this layer.
	for total > uc.limits.MaxContextTokens && len(messages) > 1 {
		evict := 2
		if len(messages)-evict < 1 {
			evict = len(messages) - 1
		}
		for i := 0; i < evict; i++ {
			total -= counts[i]
		}
		messages = messages[evict:]
		counts = counts[evict:]
	}

	return &domain.ContextWindow{
		SessionID:  sessionID,
		Messages:   messages,
		TokenCount: total,
	}, nil
}

// AddTurn appends a user/assistant pair to the durable history. The store
// guarantees the pair lands atomically per session; windowing never touches
// what is stored here.
func (uc *ContextManagerUseCase) AddTurn(ctx context.Context, sessionID, userText, assistantText string, passageIDs []string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "add turn", fmt.Errorf("session id is required"))
	}
	if strings.TrimSpace(userText) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "add turn", fmt.Errorf("user text is required"))
	}

	now := time.Now().UTC()
	user := domain.ConversationMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   userText,
		CreatedAt: now,
	}
	assistant := domain.ConversationMessage{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       domain.RoleAssistant,
		Content:    assistantText,
		PassageIDs: passageIDs,
		CreatedAt:  now,
	}

	if err := uc.store.AppendTurn(ctx, sessionID, user, assistant); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// FormatForPrompt renders a window into the prompt-ready history block.
func (uc *ContextManagerUseCase) FormatForPrompt(window *domain.ContextWindow, includePassageRefs bool) string {
	if window == nil || len(window.Messages) == 0 {
		return emptyHistorySentinel
	}

	lines := make([]string, 0, len(window.Messages)+2)
	lines = append(lines, fmt.Sprintf("Previous conversation (%d turns):", window.TurnCount()))
	for _, msg := range window.Messages {
		line := fmt.Sprintf("%s: %s", roleLabel(msg.Role), truncateContent(msg.Content, promptContentLimit))
		if includePassageRefs && msg.Role == domain.RoleAssistant && len(msg.PassageIDs) > 0 {
			refs := msg.PassageIDs
			if len(refs) > promptMaxPassageRefs {
				refs = refs[:promptMaxPassageRefs]
			}
			line += fmt.Sprintf(" [sources: %s]", strings.Join(refs, ", "))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "---")
	return strings.Join(lines, "\n")
}

// ClearSession discards the session's full history. Clearing an unknown
// session is a no-op.
func (uc *ContextManagerUseCase) ClearSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "clear session", fmt.Errorf("session id is required"))
	}
	if err := uc.store.DeleteSession(ctx, sessionID); err != nil {
		if domain.IsKind(err, domain.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (uc *ContextManagerUseCase) countTokens(ctx context.Context, text string) int {
	if uc.counter != nil {
		n, err := uc.counter.CountTokens(ctx, text)
		if err == nil && n >= 0 {
			return n
		}
		if err != nil {
			slog.Debug("token_count_fallback", "error", err)
		}
	}
	return approximateTokens(text)
}

func approximateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text)) / heuristicCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

func roleLabel(role string) string {
	switch role {
	case domain.RoleUser:
		return "User"
	case domain.RoleAssistant:
		return "Assistant"
	default:
		if role == "" {
			return "Unknown"
		}
		return strings.ToUpper(role[:1]) + role[1:]
	}
}

func truncateContent(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
