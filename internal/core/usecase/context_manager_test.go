package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

type fakeSessionStore struct {
	messages map[string][]domain.ConversationMessage
	listErr  error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{messages: make(map[string][]domain.ConversationMessage)}
}

func (s *fakeSessionStore) AppendTurn(_ context.Context, sessionID string, user, assistant domain.ConversationMessage) error {
	s.messages[sessionID] = append(s.messages[sessionID], user, assistant)
	return nil
}

func (s *fakeSessionStore) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	msgs, ok := s.messages[sessionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "list recent messages", fmt.Errorf("session %q", sessionID))
	}
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]domain.ConversationMessage, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

func (s *fakeSessionStore) DeleteSession(_ context.Context, sessionID string) error {
	if _, ok := s.messages[sessionID]; !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("session %q", sessionID))
	}
	delete(s.messages, sessionID)
	return nil
}

func (s *fakeSessionStore) PurgeIdleSessions(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

type stubTokenCounter struct {
	perMessage int
	err        error
}

func (c *stubTokenCounter) CountTokens(_ context.Context, _ string) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.perMessage, nil
}

func addTurns(t *testing.T, uc *ContextManagerUseCase, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := uc.AddTurn(context.Background(), sessionID,
			fmt.Sprintf("question %d", i),
			fmt.Sprintf("answer %d", i),
			nil)
		if err != nil {
			t.Fatalf("add turn %d: %v", i, err)
		}
	}
}

func TestContextWindowKeepsLastMaxTurns(t *testing.T) {
	store := newFakeSessionStore()
	uc := NewContextManagerUseCase(store, &stubTokenCounter{perMessage: 1}, domain.ContextLimits{MaxTurns: 3})

	addTurns(t, uc, "s1", 5)

	window, err := uc.ContextWindow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window.Messages) != 6 {
		t.Fatalf("expected 6 messages (3 turns), got %d", len(window.Messages))
	}
	if window.TurnCount() != 3 {
		t.Errorf("expected 3 turns, got %d", window.TurnCount())
	}
	if window.Messages[0].Content != "question 3" {
		t.Errorf("expected window to start at turn 3, got %q", window.Messages[0].Content)
	}
	for i, msg := range window.Messages {
		wantRole := domain.RoleUser
		if i%2 == 1 {
			wantRole = domain.RoleAssistant
		}
		if msg.Role != wantRole {
			t.Errorf("message %d: expected role %s, got %s", i, wantRole, msg.Role)
		}
	}
}

func TestContextWindowEvictsWholeTurnsOverBudget(t *testing.T) {
	store := newFakeSessionStore()
	uc := NewContextManagerUseCase(store, &stubTokenCounter{perMessage: 100}, domain.ContextLimits{
		MaxTurns:         3,
		MaxContextTokens: 250,
	})

	addTurns(t, uc, "s1", 3)

	window, err := uc.ContextWindow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 6 messages at 100 tokens each; two whole-turn evictions leave one turn.
	if len(window.Messages) != 2 {
		t.Fatalf("expected 2 messages after eviction, got %d", len(window.Messages))
	}
	if window.TokenCount != 200 {
		t.Errorf("expected token count 200, got %d", window.TokenCount)
	}
	if window.Messages[0].Content != "question 3" {
		t.Errorf("expected the newest turn to survive, got %q", window.Messages[0].Content)
	}
}

func TestContextWindowKeepsSingleOversizedMessage(t *testing.T) {
	store := newFakeSessionStore()
	uc := NewContextManagerUseCase(store, &stubTokenCounter{perMessage: 300}, domain.ContextLimits{
		MaxTurns:         3,
		MaxContextTokens: 100,
	})

	addTurns(t, uc, "s1", 1)

	window, err := uc.ContextWindow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window.Messages) != 1 {
		t.Fatalf("expected the single newest message to be kept, got %d messages", len(window.Messages))
	}
	if window.Messages[0].Role != domain.RoleAssistant {
		t.Errorf("expected the newest message to survive, got role %s", window.Messages[0].Role)
	}
	if window.TokenCount != 300 {
		t.Errorf("expected token count 300, got %d", window.TokenCount)
	}
}

func TestContextWindowUnknownSessionIsEmpty(t *testing.T) {
	uc := NewContextManagerUseCase(newFakeSessionStore(), &stubTokenCounter{perMessage: 1}, domain.ContextLimits{})

	window, err := uc.ContextWindow(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unknown session must not be an error, got %v", err)
	}
	if len(window.Messages) != 0 {
		t.Fatalf("expected empty window, got %d messages", len(window.Messages))
	}
	if got := uc.FormatForPrompt(window, false); got != "No previous conversation." {
		t.Errorf("expected empty-history sentinel, got %q", got)
	}
}

func TestAddTurnThenWindowYieldsOrderedPair(t *testing.T) {
	store := newFakeSessionStore()
	uc := NewContextManagerUseCase(store, &stubTokenCounter{perMessage: 1}, domain.ContextLimits{})

	err := uc.AddTurn(context.Background(), "s1", "what is qdrant?", "a vector database", []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	window, err := uc.ContextWindow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window.Messages) != 2 {
		t.Fatalf("expected exactly 2 messages, got %d", len(window.Messages))
	}
	user, assistant := window.Messages[0], window.Messages[1]
	if user.Role != domain.RoleUser || assistant.Role != domain.RoleAssistant {
		t.Errorf("expected (user, assistant) order, got (%s, %s)", user.Role, assistant.Role)
	}
	if user.ID == "" || assistant.ID == "" || user.ID == assistant.ID {
		t.Errorf("expected distinct non-empty message ids")
	}
	if len(user.PassageIDs) != 0 {
		t.Errorf("user message must not carry passage refs")
	}
	if len(assistant.PassageIDs) != 2 {
		t.Errorf("expected 2 passage refs on the assistant message, got %d", len(assistant.PassageIDs))
	}
}

func TestAddTurnRequiresUserText(t *testing.T) {
	uc := NewContextManagerUseCase(newFakeSessionStore(), &stubTokenCounter{perMessage: 1}, domain.ContextLimits{})

	err := uc.AddTurn(context.Background(), "s1", "  ", "answer", nil)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestContextWindowFallsBackToHeuristicTokens(t *testing.T) {
	store := newFakeSessionStore()
	counter := &stubTokenCounter{err: domain.WrapError(domain.ErrTokenCounting, "count tokens", errors.New("tokenizer down"))}
	uc := NewContextManagerUseCase(store, counter, domain.ContextLimits{})

	// 8 runes -> 2 tokens, 12 runes -> 3 tokens under the 4-chars heuristic.
	err := uc.AddTurn(context.Background(), "s1", "abcdefgh", "abcdefghijkl", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	window, err := uc.ContextWindow(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if window.TokenCount != 5 {
		t.Errorf("expected heuristic token count 5, got %d", window.TokenCount)
	}
}

func TestFormatForPromptRendersHistory(t *testing.T) {
	uc := NewContextManagerUseCase(newFakeSessionStore(), &stubTokenCounter{perMessage: 1}, domain.ContextLimits{})

	long := strings.Repeat("x", 200)
	window := &domain.ContextWindow{
		SessionID: "s1",
		Messages: []domain.ConversationMessage{
			{Role: domain.RoleUser, Content: "short question"},
			{Role: domain.RoleAssistant, Content: long, PassageIDs: []string{"p1", "p2", "p3", "p4"}},
		},
	}

	prompt := uc.FormatForPrompt(window, true)
	lines := strings.Split(prompt, "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), prompt)
	}
	if lines[0] != "Previous conversation (1 turns):" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if lines[1] != "User: short question" {
		t.Errorf("unexpected user line: %q", lines[1])
	}
	wantAssistant := "Assistant: " + strings.Repeat("x", 150) + "... [sources: p1, p2, p3]"
	if lines[2] != wantAssistant {
		t.Errorf("unexpected assistant line: %q", lines[2])
	}
	if lines[3] != "---" {
		t.Errorf("expected history footer, got %q", lines[3])
	}

	withoutRefs := uc.FormatForPrompt(window, false)
	if strings.Contains(withoutRefs, "[sources:") {
		t.Error("passage refs rendered despite includePassageRefs=false")
	}
}

func TestClearSessionUnknownIsNoop(t *testing.T) {
	store := newFakeSessionStore()
	uc := NewContextManagerUseCase(store, &stubTokenCounter{perMessage: 1}, domain.ContextLimits{})

	if err := uc.ClearSession(context.Background(), "missing"); err != nil {
		t.Fatalf("clearing an unknown session must be a no-op, got %v", err)
	}

	addTurns(t, uc, "s1", 1)
	if err := uc.ClearSession(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.messages["s1"]; ok {
		t.Error("session history not deleted")
	}
}
