// Package store holds all Postgres persistence: bots, sources, chunks,
// chat sessions, and messages.
package store

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("source already claimed")
)

// Source lifecycle states. Completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	SourceTypeText         = "text"
	SourceTypeFile         = "file"
	SourceTypeURL          = "url"
	SourceTypeSitemapChild = "sitemap-child"
)

// maxErrorMessageLen bounds what MarkFailed persists.
const maxErrorMessageLen = 500

type Bot struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	SystemPrompt   string    `json:"system_prompt"`
	WelcomeMessage string    `json:"welcome_message"`
	PrimaryColor   string    `json:"primary_color"`
	Tier           string    `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Source struct {
	ID           uuid.UUID `json:"id"`
	BotID        uuid.UUID `json:"bot_id"`
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	URL          string    `json:"url,omitempty"`
	RawContent   []byte    `json:"-"`
	Status       string    `json:"status"`
	Progress     int       `json:"processing_progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ChunkCount   int       `json:"chunk_count"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Chunk struct {
	ID         uuid.UUID
	SourceID   uuid.UUID
	Index      int
	Content    string
	TokenCount int
	Embedding  []float32
}

type SearchResult struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	SourceID   uuid.UUID `json:"source_id"`
	SourceName string    `json:"source_name"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
}

type ChatSession struct {
	ID           uuid.UUID `json:"id"`
	BotID        uuid.UUID `json:"bot_id"`
	VisitorID    string    `json:"visitor_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Message struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func New(pool *pgxpool.Pool, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{pool: pool, logger: logger}
}
