package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type retryEmbedder struct {
	inner     Embedder
	attempts  int
	baseDelay time.Duration
}

var _ Embedder = (*retryEmbedder)(nil)

// WithRetry wraps an embedder so transient provider failures (rate limits,
// timeouts, 5xx) are retried with exponential backoff. Non-transient errors
// and context cancellation fail immediately.
func WithRetry(inner Embedder, attempts int, baseDelay time.Duration) Embedder {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &retryEmbedder{inner: inner, attempts: attempts, baseDelay: baseDelay}
}

func (r *retryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.attempts; attempt++ {
		vectors, err := r.inner.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !retryable(err) || attempt == r.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, fmt.Errorf("embed after %d attempts: %w", r.attempts, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
