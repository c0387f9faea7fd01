package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ollamaClient struct {
	host   string
	model  string
	client *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

var _ StreamClient = (*ollamaClient)(nil)

func NewOllamaClient(opts Options) StreamClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:   host,
		model:  opts.Model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// chat posts to the ollama chat endpoint and hands back the open response
// body. The caller owns closing it.
func (c *ollamaClient) chat(ctx context.Context, messages []Message, stream bool) (io.ReadCloser, error) {
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}

	body, err := json.Marshal(ollamaChatRequest{Model: c.model, Messages: converted, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read ollama chat error body: %w", readErr)
		}
		if len(data) > 0 {
			return nil, fmt.Errorf("ollama chat API error: %s", string(data))
		}
		return nil, fmt.Errorf("ollama chat API returned status %s", resp.Status)
	}

	return resp.Body, nil
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	body, err := c.chat(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	body, err := c.chat(ctx, messages, true)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama stream response: %w", err)
		}

		if chunk.Error != "" {
			return fmt.Errorf("ollama chat error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}
