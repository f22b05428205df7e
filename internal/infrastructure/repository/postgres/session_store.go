package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

// SessionStore is the durable variant of the conversation history store.
// The two-row turn append runs in one transaction so readers never observe
// a user message without its assistant reply.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	passage_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	seq BIGSERIAL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session_seq ON session_messages(session_id, seq DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *SessionStore) AppendTurn(ctx context.Context, sessionID string, user, assistant domain.ConversationMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, msg := range []domain.ConversationMessage{user, assistant} {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		refsJSON, err := json.Marshal(messagePassageIDs(msg))
		if err != nil {
			return fmt.Errorf("marshal passage ids: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_messages (id, session_id, role, content, passage_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, msg.ID, sessionID, msg.Role, msg.Content, refsJSON, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert %s message: %w", msg.Role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn tx: %w", err)
	}
	return nil
}

func (s *SessionStore) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, passage_ids, created_at
FROM session_messages
WHERE session_id = $1
ORDER BY seq DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ConversationMessage, 0, limit)
	for rows.Next() {
		var msg domain.ConversationMessage
		var refsRaw []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Role,
			&msg.Content,
			&refsRaw,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		if err := json.Unmarshal(refsRaw, &msg.PassageIDs); err != nil {
			return nil, fmt.Errorf("unmarshal passage ids: %w", err)
		}
		if len(msg.PassageIDs) == 0 {
			msg.PassageIDs = nil
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "list recent messages", fmt.Errorf("session %q", sessionID))
	}

	// SQL returns newest first; reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("session %q", sessionID))
	}
	return nil
}

func (s *SessionStore) PurgeIdleSessions(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM session_messages
WHERE session_id IN (
	SELECT session_id FROM session_messages
	GROUP BY session_id
	HAVING MAX(created_at) < $1
)
`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge idle sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(affected), nil
}

func messagePassageIDs(msg domain.ConversationMessage) []string {
	if msg.PassageIDs == nil {
		return []string{}
	}
	return msg.PassageIDs
}
