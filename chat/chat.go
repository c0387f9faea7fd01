// Package chat answers visitor questions with bot-scoped retrieval and
// token streaming.
package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fabfab/botkb/store"
)

var ErrSessionExpired = errors.New("chat session has expired")

// Request is one user turn in a session.
type Request struct {
	BotID     uuid.UUID
	SessionID uuid.UUID
	Message   string
}

// Retriever finds the chunks nearest an embedding within one bot's sources.
// *store.Store satisfies it.
type Retriever interface {
	Search(ctx context.Context, botID uuid.UUID, embedding []float32, limit int) ([]store.SearchResult, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (store.ChatSession, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]store.Message, error)
}

type BotStore interface {
	GetBot(ctx context.Context, id uuid.UUID) (store.Bot, error)
}
