package embeddings

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type gatedEmbedder struct {
	inner Embedder
	sem   *semaphore.Weighted
}

var _ Embedder = (*gatedEmbedder)(nil)

// WithGate bounds how many Embed calls run concurrently. Share one semaphore
// across every consumer of the provider to cap process-wide concurrency.
func WithGate(inner Embedder, sem *semaphore.Weighted) Embedder {
	return &gatedEmbedder{inner: inner, sem: sem}
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	return g.inner.Embed(ctx, texts)
}
