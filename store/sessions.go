package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, bot_id, visitor_id, created_at, last_active_at, expires_at`

func scanSession(row pgx.Row) (ChatSession, error) {
	var sess ChatSession
	err := row.Scan(&sess.ID, &sess.BotID, &sess.VisitorID, &sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, botID uuid.UUID, visitorID string, ttl time.Duration) (ChatSession, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, bot_id, visitor_id, expires_at)
		VALUES ($1, $2, $3, NOW() + $4::interval)
		RETURNING `+sessionColumns,
		uuid.New(), botID, visitorID, fmt.Sprintf("%d seconds", int(ttl.Seconds())))

	sess, err := scanSession(row)
	if err != nil {
		return ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (ChatSession, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE id = $1", id)
	return scanSession(row)
}

func (s *Store) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE chat_sessions SET last_active_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry. Messages go with
// them via the FK cascade. Returns the number of sessions removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM chat_sessions WHERE expires_at < NOW()")
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
