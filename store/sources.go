package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sourceColumns = `id, bot_id, type, name, COALESCE(url, ''), status, processing_progress,
	COALESCE(error_message, ''), chunk_count, size_bytes, created_at, updated_at`

func scanSource(row pgx.Row) (Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.BotID, &src.Type, &src.Name, &src.URL, &src.Status,
		&src.Progress, &src.ErrorMessage, &src.ChunkCount, &src.SizeBytes, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, fmt.Errorf("scan source: %w", err)
	}
	return src, nil
}

func (s *Store) CreateSource(ctx context.Context, src Source) (Source, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	if src.Status == "" {
		src.Status = StatusPending
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO sources (id, bot_id, type, name, url, raw_content, status, size_bytes)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING `+sourceColumns,
		src.ID, src.BotID, src.Type, src.Name, src.URL, src.RawContent, src.Status, src.SizeBytes)

	created, err := scanSource(row)
	if err != nil {
		return Source{}, fmt.Errorf("create source: %w", err)
	}
	return created, nil
}

func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (Source, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE id = $1 AND deleted_at IS NULL", id)
	return scanSource(row)
}

func (s *Store) GetSourceForBot(ctx context.Context, id, botID uuid.UUID) (Source, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE id = $1 AND bot_id = $2 AND deleted_at IS NULL", id, botID)
	return scanSource(row)
}

// GetRawContent loads the stored upload/text payload for re-processing.
func (s *Store) GetRawContent(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		"SELECT raw_content FROM sources WHERE id = $1 AND deleted_at IS NULL", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get raw content: %w", err)
	}
	return data, nil
}

func (s *Store) ListSourcesByBot(ctx context.Context, botID uuid.UUID) ([]Source, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE bot_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC", botID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	sources := make([]Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *Store) CountSourcesByBot(ctx context.Context, botID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM sources WHERE bot_id = $1 AND deleted_at IS NULL", botID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	return count, nil
}

// SumSourceSizeByBot totals the stored payload bytes of a bot's live sources.
func (s *Store) SumSourceSizeByBot(ctx context.Context, botID uuid.UUID) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(size_bytes), 0) FROM sources WHERE bot_id = $1 AND deleted_at IS NULL", botID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum source sizes: %w", err)
	}
	return total, nil
}

// Claim transitions a source from pending to processing. At most one caller
// wins; everyone else gets ErrAlreadyClaimed.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET status = $2, processing_progress = 0, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND deleted_at IS NULL`,
		id, StatusProcessing, StatusPending)
	if err != nil {
		return fmt.Errorf("claim source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// UpdateProgress advances processing_progress. The guard keeps progress
// monotonic and only touches rows still in the processing state.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET processing_progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND processing_progress < $2`,
		id, progress, StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET status = $2, processing_progress = 100, chunk_count = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusCompleted, chunkCount, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if message == "" {
		message = "processing failed"
	}
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusFailed, message, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteSource hides the source and hard-deletes its chunks so they stop
// matching retrieval immediately.
func (s *Store) SoftDeleteSource(ctx context.Context, id, botID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sources SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND bot_id = $2 AND deleted_at IS NULL",
		id, botID)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM document_chunks WHERE source_id = $1", id); err != nil {
		return fmt.Errorf("delete source chunks: %w", err)
	}
	return nil
}
