// Package llm abstracts chat-completion providers behind small interfaces.
package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/botkb/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// StreamClient delivers tokens incrementally. fn is invoked once per token in
// generation order; returning an error from fn stops the stream.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(token string) error) error
}

type Options struct {
	Provider    string
	Model       string
	Temperature float64

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (StreamClient, error) {
	opts := Options{
		Provider:      cfg.Chat.Provider,
		Model:         cfg.Chat.Model,
		Temperature:   cfg.Chat.Temperature,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
