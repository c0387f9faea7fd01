package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type openAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIEmbedder(opts Options) Embedder {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		dimension: opts.Dimension,
	}
}

// maxInputsPerRequest is the API's cap on inputs in one embeddings call.
const maxInputsPerRequest = 2048

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += maxInputsPerRequest {
		end := start + maxInputsPerRequest
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("create openai embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), end-start)
		}

		for _, datum := range resp.Data {
			if e.dimension > 0 && len(datum.Embedding) != e.dimension {
				return nil, fmt.Errorf("openai embedding dimension mismatch: expected %d, got %d", e.dimension, len(datum.Embedding))
			}
			results = append(results, datum.Embedding)
		}
	}

	return results, nil
}
