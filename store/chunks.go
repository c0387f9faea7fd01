package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// ReplaceChunks swaps a source's chunks atomically: existing rows are cleared
// and the new set inserted with contiguous indexes, all in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID uuid.UUID, chunks []Chunk) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, "DELETE FROM document_chunks WHERE source_id = $1", sourceID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	for idx, chunk := range chunks {
		id := chunk.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		vec := pgvector.NewVector(chunk.Embedding)
		if _, err = tx.Exec(ctx, `
			INSERT INTO document_chunks (id, source_id, chunk_index, content, token_count, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, sourceID, idx, chunk.Content, chunk.TokenCount, vec); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Search returns the k chunks nearest to the embedding, restricted to the
// bot's live sources. Ties on distance break on chunk id so results are
// deterministic.
func (s *Store) Search(ctx context.Context, botID uuid.UUID, embedding []float32, limit int) ([]SearchResult, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT
			dc.id,
			dc.source_id,
			src.name,
			dc.content,
			(dc.embedding <-> $1::vector) AS distance
		FROM document_chunks dc
		JOIN sources src ON src.id = dc.source_id
		WHERE src.bot_id = $2
		  AND src.deleted_at IS NULL
		  AND src.status = $3
		ORDER BY dc.embedding <-> $1::vector, dc.id
		LIMIT $4`,
		pgvector.NewVector(embedding), botID, StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]SearchResult, 0)
	for rows.Next() {
		var item SearchResult
		var distance float64
		if scanErr := rows.Scan(&item.ChunkID, &item.SourceID, &item.SourceName, &item.Content, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}

	return results, rows.Err()
}
