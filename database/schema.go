package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables and indexes the service needs. Every
// statement is idempotent, so it runs on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS bots (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			welcome_message TEXT NOT NULL DEFAULT '',
			primary_color TEXT NOT NULL DEFAULT '#2563eb',
			tier TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		"CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id) WHERE deleted_at IS NULL",
		`CREATE TABLE IF NOT EXISTS sources (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT,
			raw_content BYTEA,
			status TEXT NOT NULL DEFAULT 'pending',
			processing_progress INT NOT NULL DEFAULT 0,
			error_message TEXT,
			chunk_count INT NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		"CREATE INDEX IF NOT EXISTS idx_sources_bot ON sources(bot_id) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status) WHERE deleted_at IS NULL",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id UUID PRIMARY KEY,
			source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(source_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_document_chunks_source ON document_chunks(source_id)",
		"CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding ON document_chunks USING ivfflat (embedding vector_l2_ops)",
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id UUID PRIMARY KEY,
			bot_id UUID NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			visitor_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_chat_sessions_bot ON chat_sessions(bot_id)",
		"CREATE INDEX IF NOT EXISTS idx_chat_sessions_expires ON chat_sessions(expires_at)",
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
