package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, role, content, token_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.TokenCount).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages oldest first. limit <= 0 means
// no limit; otherwise the most recent limit messages are returned, still in
// chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, token_count, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT id, session_id, role, content, token_count, created_at FROM (
				SELECT id, session_id, role, content, token_count, created_at
				FROM messages WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
			) recent ORDER BY created_at, id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.TokenCount, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
