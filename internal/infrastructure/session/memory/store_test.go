package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

func turn(sessionID string, n int) (domain.ConversationMessage, domain.ConversationMessage) {
	user := domain.ConversationMessage{
		ID:        fmt.Sprintf("%s-u%d", sessionID, n),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   fmt.Sprintf("question %d", n),
	}
	assistant := domain.ConversationMessage{
		ID:        fmt.Sprintf("%s-a%d", sessionID, n),
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   fmt.Sprintf("answer %d", n),
	}
	return user, assistant
}

func TestAppendAndListRecent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		user, assistant := turn("s1", i)
		if err := store.AppendTurn(ctx, "s1", user, assistant); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	messages, err := store.ListRecentMessages(ctx, "s1", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	wantIDs := []string{"s1-u2", "s1-a2", "s1-u3", "s1-a3"}
	for i, want := range wantIDs {
		if messages[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, messages[i].ID)
		}
	}
}

func TestListRecentZeroLimitReturnsAll(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user, assistant := turn("s1", 1)
	if err := store.AppendTurn(ctx, "s1", user, assistant); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	messages, err := store.ListRecentMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestListRecentUnknownSession(t *testing.T) {
	store := NewStore()

	_, err := store.ListRecentMessages(context.Background(), "missing", 10)
	if !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user, assistant := turn("s1", 1)
	if err := store.AppendTurn(ctx, "s1", user, assistant); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.ListRecentMessages(ctx, "s1", 10); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if err := store.DeleteSession(ctx, "s1"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found on double delete, got %v", err)
	}
}

func TestPurgeIdleSessions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		user, assistant := turn(id, 1)
		if err := store.AppendTurn(ctx, id, user, assistant); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	purged, err := store.PurgeIdleSessions(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 0 {
		t.Fatalf("fresh sessions must survive, purged %d", purged)
	}

	purged, err = store.PurgeIdleSessions(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged sessions, got %d", purged)
	}
}

func TestConcurrentAppendsKeepTurnsIntact(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	const writers = 8
	const turnsPerWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < turnsPerWriter; i++ {
				user, assistant := turn("s1", w*turnsPerWriter+i)
				if err := store.AppendTurn(ctx, "s1", user, assistant); err != nil {
					t.Errorf("append turn: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	messages, err := store.ListRecentMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2*writers*turnsPerWriter {
		t.Fatalf("expected %d messages, got %d", 2*writers*turnsPerWriter, len(messages))
	}
	// Pairs must never interleave: even slots user, odd slots its assistant.
	for i := 0; i < len(messages); i += 2 {
		if messages[i].Role != domain.RoleUser || messages[i+1].Role != domain.RoleAssistant {
			t.Fatalf("interleaved turn at index %d: %s then %s", i, messages[i].Role, messages[i+1].Role)
		}
		wantAssistant := "s1-a" + messages[i].ID[len("s1-u"):]
		if messages[i+1].ID != wantAssistant {
			t.Fatalf("mismatched pair at index %d: %s then %s", i, messages[i].ID, messages[i+1].ID)
		}
	}
}
