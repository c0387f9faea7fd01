package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/botkb/chunker"
	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/embeddings"
	"github.com/fabfab/botkb/extractor"
	"github.com/fabfab/botkb/store"
)

// Progress milestones. Embedding advances proportionally between
// progressChunked and progressEmbedded; MarkCompleted sets 100.
const (
	progressExtracted = 20
	progressChunked   = 30
	progressEmbedded  = 95
)

const embedBatchSize = 64

type Pipeline struct {
	sources  SourceStore
	embedder embeddings.Embedder
	fetcher  PageFetcher
	graph    GraphMirror
	queue    *Queue
	logger   *log.Logger

	chunkSize    int
	chunkOverlap int
	embedWorkers int
}

func NewPipeline(sources SourceStore, embedder embeddings.Embedder, fetcher PageFetcher, graph GraphMirror, cfg config.Config, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	workers := cfg.EmbedConcurrency
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		sources:      sources,
		embedder:     embedder,
		fetcher:      fetcher,
		graph:        graph,
		logger:       logger,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		embedWorkers: workers,
	}
}

// SetQueue wires the queue the pipeline enqueues new sources on. Called once
// at startup, after the queue is built around this pipeline.
func (p *Pipeline) SetQueue(q *Queue) {
	p.queue = q
}

// CreateAndEnqueue validates tier quota, persists the pending source, and
// hands it to the queue. The quota check runs before any processing work.
func (p *Pipeline) CreateAndEnqueue(ctx context.Context, src store.Source) (store.Source, error) {
	if p.queue == nil {
		return store.Source{}, fmt.Errorf("pipeline has no queue attached")
	}

	bot, err := p.sources.GetBot(ctx, src.BotID)
	if err != nil {
		return store.Source{}, err
	}

	limits := config.LimitsForTier(bot.Tier)

	count, err := p.sources.CountSourcesByBot(ctx, src.BotID)
	if err != nil {
		return store.Source{}, err
	}
	if !limits.AllowsSource(count) {
		return store.Source{}, fmt.Errorf("%w: %s tier", ErrQuotaExceeded, bot.Tier)
	}

	if src.SizeBytes > 0 {
		used, err := p.sources.SumSourceSizeByBot(ctx, src.BotID)
		if err != nil {
			return store.Source{}, err
		}
		if !limits.AllowsStorage(used, src.SizeBytes) {
			return store.Source{}, fmt.Errorf("%w: %s tier storage cap", ErrQuotaExceeded, bot.Tier)
		}
	}

	created, err := p.sources.CreateSource(ctx, src)
	if err != nil {
		return store.Source{}, err
	}

	if err := p.queue.Enqueue(Job{SourceID: created.ID, BotID: created.BotID}); err != nil {
		if failErr := p.sources.MarkFailed(ctx, created.ID, err.Error()); failErr != nil {
			p.logger.Printf("mark unqueued source failed: %v", failErr)
		}
		return store.Source{}, err
	}
	return created, nil
}

// Process runs one source through the pipeline. A lost claim race is not an
// error; every other failure marks the source failed with a bounded message.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	if err := p.sources.Claim(ctx, job.SourceID); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			p.logger.Printf("source %s already claimed, skipping", job.SourceID)
			return nil
		}
		return fmt.Errorf("claim: %w", err)
	}

	src, err := p.sources.GetSource(ctx, job.SourceID)
	if err != nil {
		return p.fail(ctx, job.SourceID, fmt.Errorf("load source: %w", err))
	}

	text, err := p.extract(ctx, src)
	if err != nil {
		if errors.Is(err, extractor.ErrEmptyContent) {
			return p.complete(ctx, src, 0)
		}
		return p.fail(ctx, job.SourceID, err)
	}
	p.progress(ctx, job.SourceID, progressExtracted)

	chunks := chunker.Chunk(text, p.chunkSize, p.chunkOverlap)
	if len(chunks) == 0 {
		return p.complete(ctx, src, 0)
	}
	p.progress(ctx, job.SourceID, progressChunked)

	vectors, err := p.embedChunks(ctx, job.SourceID, chunks)
	if err != nil {
		return p.fail(ctx, job.SourceID, fmt.Errorf("embed chunks: %w", err))
	}

	rows := make([]store.Chunk, len(chunks))
	for i, content := range chunks {
		rows[i] = store.Chunk{
			ID:         uuid.New(),
			SourceID:   job.SourceID,
			Index:      i,
			Content:    content,
			TokenCount: estimateTokens(content),
			Embedding:  vectors[i],
		}
	}

	if err := p.sources.ReplaceChunks(ctx, job.SourceID, rows); err != nil {
		return p.fail(ctx, job.SourceID, fmt.Errorf("persist chunks: %w", err))
	}

	return p.complete(ctx, src, len(rows))
}

func (p *Pipeline) extract(ctx context.Context, src store.Source) (string, error) {
	switch src.Type {
	case store.SourceTypeText:
		raw, err := p.sources.GetRawContent(ctx, src.ID)
		if err != nil {
			return "", fmt.Errorf("load text payload: %w", err)
		}
		return extractor.Extract(ctx, extractor.Artifact{Name: src.Name + ".txt", Data: raw})
	case store.SourceTypeFile:
		raw, err := p.sources.GetRawContent(ctx, src.ID)
		if err != nil {
			return "", fmt.Errorf("load file payload: %w", err)
		}
		return extractor.Extract(ctx, extractor.Artifact{Name: src.Name, Data: raw})
	case store.SourceTypeURL, store.SourceTypeSitemapChild:
		if p.fetcher == nil {
			return "", fmt.Errorf("no page fetcher configured")
		}
		_, text, err := p.fetcher.FetchPage(ctx, src.URL)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", src.URL, err)
		}
		return text, nil
	default:
		return "", fmt.Errorf("unknown source type %q", src.Type)
	}
}

// embedChunks embeds batches concurrently, bounded by embedWorkers, and
// reports proportional progress as batches finish.
func (p *Pipeline) embedChunks(ctx context.Context, sourceID uuid.UUID, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	totalBatches := (len(chunks) + embedBatchSize - 1) / embedBatchSize

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.embedWorkers)

	for start := 0; start < len(chunks); start += embedBatchSize {
		start := start
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		g.Go(func() error {
			batch, err := p.embedder.Embed(gctx, chunks[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), end-start)
			}
			copy(vectors[start:end], batch)

			mu.Lock()
			done++
			pct := progressChunked + (progressEmbedded-progressChunked)*done/totalBatches
			mu.Unlock()
			p.progress(gctx, sourceID, pct)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *Pipeline) complete(ctx context.Context, src store.Source, chunkCount int) error {
	if err := p.sources.MarkCompleted(ctx, src.ID, chunkCount); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	p.logger.Printf("source %s completed (%d chunks)", src.ID, chunkCount)

	if p.graph != nil {
		bot, err := p.sources.GetBot(ctx, src.BotID)
		if err == nil {
			err = p.graph.SyncSource(ctx, bot, src, chunkCount)
		}
		if err != nil {
			p.logger.Printf("graph sync for source %s: %v", src.ID, err)
		}
	}
	return nil
}

// fail records the terminal failure and returns the original error for the
// worker log.
func (p *Pipeline) fail(ctx context.Context, sourceID uuid.UUID, cause error) error {
	if err := p.sources.MarkFailed(ctx, sourceID, cause.Error()); err != nil {
		p.logger.Printf("mark source %s failed: %v", sourceID, err)
	}
	return cause
}

func (p *Pipeline) progress(ctx context.Context, sourceID uuid.UUID, pct int) {
	if err := p.sources.UpdateProgress(ctx, sourceID, pct); err != nil {
		p.logger.Printf("update progress for %s: %v", sourceID, err)
	}
}

// estimateTokens approximates the token count at four characters per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
