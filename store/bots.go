package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const botColumns = `id, user_id, name, description, system_prompt, welcome_message, primary_color, tier, created_at, updated_at`

func scanBot(row pgx.Row) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.UserID, &b.Name, &b.Description, &b.SystemPrompt,
		&b.WelcomeMessage, &b.PrimaryColor, &b.Tier, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	if err != nil {
		return Bot{}, fmt.Errorf("scan bot: %w", err)
	}
	return b, nil
}

func (s *Store) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Tier == "" {
		b.Tier = "free"
	}
	if b.PrimaryColor == "" {
		b.PrimaryColor = "#2563eb"
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO bots (id, user_id, name, description, system_prompt, welcome_message, primary_color, tier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+botColumns,
		b.ID, b.UserID, b.Name, b.Description, b.SystemPrompt, b.WelcomeMessage, b.PrimaryColor, b.Tier)

	created, err := scanBot(row)
	if err != nil {
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	return created, nil
}

func (s *Store) GetBot(ctx context.Context, id uuid.UUID) (Bot, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+botColumns+" FROM bots WHERE id = $1 AND deleted_at IS NULL", id)
	return scanBot(row)
}

// GetBotForUser enforces ownership: it only returns the bot when it belongs
// to userID.
func (s *Store) GetBotForUser(ctx context.Context, id uuid.UUID, userID string) (Bot, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+botColumns+" FROM bots WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL", id, userID)
	return scanBot(row)
}

func (s *Store) ListBots(ctx context.Context, userID string) ([]Bot, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+botColumns+" FROM bots WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	bots := make([]Bot, 0)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *Store) CountBotsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bots WHERE user_id = $1 AND deleted_at IS NULL", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bots: %w", err)
	}
	return count, nil
}

func (s *Store) UpdateBot(ctx context.Context, b Bot) (Bot, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bots
		SET name = $3, description = $4, system_prompt = $5, welcome_message = $6,
		    primary_color = $7, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING `+botColumns,
		b.ID, b.UserID, b.Name, b.Description, b.SystemPrompt, b.WelcomeMessage, b.PrimaryColor)
	return scanBot(row)
}

// SoftDeleteBot marks the bot and its sources deleted. Chunks stay until
// their sources are purged; retrieval excludes them via the deleted_at join.
func (s *Store) SoftDeleteBot(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE bots SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL",
		id, userID)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE sources SET deleted_at = NOW(), updated_at = NOW() WHERE bot_id = $1 AND deleted_at IS NULL", id); err != nil {
		return fmt.Errorf("delete bot sources: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM chat_sessions WHERE bot_id = $1", id); err != nil {
		return fmt.Errorf("delete bot sessions: %w", err)
	}
	return nil
}
