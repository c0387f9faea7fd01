// Package ingestion runs the source processing pipeline: claim, extract,
// chunk, embed, persist. Sources move pending → processing → completed or
// failed, with progress visible to pollers throughout.
package ingestion

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fabfab/botkb/store"
)

var (
	ErrQuotaExceeded = errors.New("source quota exceeded for subscription tier")
	ErrQueueFull     = errors.New("ingestion queue is full")
)

// Job identifies one source to process.
type Job struct {
	SourceID uuid.UUID
	BotID    uuid.UUID
}

// SourceStore is the slice of persistence the pipeline needs. *store.Store
// satisfies it.
type SourceStore interface {
	GetBot(ctx context.Context, id uuid.UUID) (store.Bot, error)
	GetSource(ctx context.Context, id uuid.UUID) (store.Source, error)
	GetRawContent(ctx context.Context, id uuid.UUID) ([]byte, error)
	CreateSource(ctx context.Context, src store.Source) (store.Source, error)
	CountSourcesByBot(ctx context.Context, botID uuid.UUID) (int, error)
	SumSourceSizeByBot(ctx context.Context, botID uuid.UUID) (int64, error)
	Claim(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	ReplaceChunks(ctx context.Context, sourceID uuid.UUID, chunks []store.Chunk) error
}

// PageFetcher retrieves a page's title and text. *crawler.Crawler satisfies
// it.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (string, string, error)
	DiscoverSitemap(ctx context.Context, seedURL string) ([]string, error)
}

// GraphMirror receives completed sources for the optional knowledge graph.
type GraphMirror interface {
	SyncSource(ctx context.Context, bot store.Bot, src store.Source, chunkCount int) error
}
