package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

var _ StreamClient = (*openAIClient)(nil)

func NewOpenAIClient(opts Options) StreamClient {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: float32(opts.Temperature),
	}
}

func (c *openAIClient) request(messages []Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
	}
	req.Messages = make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return req
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return "", fmt.Errorf("create openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	req := c.request(messages)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("create openai chat stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive openai stream chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if token := resp.Choices[0].Delta.Content; token != "" {
			if err := fn(token); err != nil {
				return err
			}
		}
	}
}
