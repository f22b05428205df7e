package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

type session struct {
	mu         sync.Mutex
	messages   []domain.ConversationMessage
	lastActive time.Time
}

// Store keeps full per-session histories in process memory. The map lock
// only guards session lookup; appends serialize on the per-session mutex so
// concurrent follow-ups for one session cannot interleave turns.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

func (s *Store) AppendTurn(_ context.Context, sessionID string, user, assistant domain.ConversationMessage) error {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.messages = append(sess.messages, user, assistant)
	sess.lastActive = time.Now().UTC()
	return nil
}

func (s *Store) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "list recent messages", fmt.Errorf("session %q", sessionID))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if limit <= 0 || limit > len(sess.messages) {
		limit = len(sess.messages)
	}
	out := make([]domain.ConversationMessage, limit)
	copy(out, sess.messages[len(sess.messages)-limit:])
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("session %q", sessionID))
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) PurgeIdleSessions(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, sess := range s.sessions {
		if sess.lastActive.Before(olderThan) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

// StartJanitor purges idle sessions on an interval until ctx is done.
// Housekeeping only; request paths never call this.
func (s *Store) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.PurgeIdleSessions(ctx, time.Now().UTC().Add(-ttl))
				if err != nil {
					slog.Warn("session_purge_failed", "error", err)
					continue
				}
				if purged > 0 {
					slog.Info("sessions_purged", "count", purged, "ttl", ttl.String())
				}
			}
		}
	}()
}

func (s *Store) getOrCreate(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess
	}
	sess = &session{}
	s.sessions[sessionID] = sess
	return sess
}
