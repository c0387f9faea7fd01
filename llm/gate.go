package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type gatedClient struct {
	inner StreamClient
	sem   *semaphore.Weighted
}

var _ StreamClient = (*gatedClient)(nil)

// WithGate bounds how many model calls run concurrently. A stream holds its
// slot until generation finishes. Sharing the semaphore with the embeddings
// gate makes the provider budget process-wide.
func WithGate(inner StreamClient, sem *semaphore.Weighted) StreamClient {
	return &gatedClient{inner: inner, sem: sem}
}

func (g *gatedClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	return g.inner.Generate(ctx, messages)
}

func (g *gatedClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	return g.inner.GenerateStream(ctx, messages, fn)
}
