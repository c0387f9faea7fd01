package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/botkb/embeddings"
	"github.com/fabfab/botkb/llm"
	"github.com/fabfab/botkb/store"
)

const (
	defaultContextChunks = 5
	defaultPromptTokens  = 3000
	historyFetchLimit    = 50
)

type Service struct {
	bots     BotStore
	sessions SessionStore
	messages MessageStore
	retrieve Retriever
	embedder embeddings.Embedder
	llm      llm.StreamClient
	logger   *log.Logger

	maxContextChunks int
	maxPromptTokens  int
}

func NewService(bots BotStore, sessions SessionStore, messages MessageStore, retrieve Retriever,
	embedder embeddings.Embedder, llmClient llm.StreamClient, maxContextChunks, maxPromptTokens int, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if maxContextChunks <= 0 {
		maxContextChunks = defaultContextChunks
	}
	if maxPromptTokens <= 0 {
		maxPromptTokens = defaultPromptTokens
	}
	return &Service{
		bots:             bots,
		sessions:         sessions,
		messages:         messages,
		retrieve:         retrieve,
		embedder:         embedder,
		llm:              llmClient,
		logger:           logger,
		maxContextChunks: maxContextChunks,
		maxPromptTokens:  maxPromptTokens,
	}
}

// StreamChat validates the request, persists the user turn, and starts a
// token stream. Validation problems are returned synchronously so handlers
// can answer with a proper status before committing to a stream; once the
// channels are live, failures arrive on the error channel, the stream ends,
// and partial assistant output is discarded. The token channel is closed when
// generation finishes.
func (s *Service) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error, error) {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, nil, fmt.Errorf("message cannot be empty")
	}

	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.BotID != req.BotID {
		return nil, nil, store.ErrNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, nil, ErrSessionExpired
	}

	bot, err := s.bots.GetBot(ctx, req.BotID)
	if err != nil {
		return nil, nil, err
	}

	// History is fetched before the user turn is persisted so the prompt
	// does not contain the question twice.
	history, err := s.messages.ListMessages(ctx, req.SessionID, historyFetchLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}

	if _, err := s.messages.CreateMessage(ctx, store.Message{
		SessionID:  req.SessionID,
		Role:       llm.RoleUser,
		Content:    question,
		TokenCount: estimateTokens(question),
	}); err != nil {
		return nil, nil, fmt.Errorf("persist user message: %w", err)
	}
	if err := s.sessions.TouchSession(ctx, req.SessionID); err != nil {
		s.logger.Printf("touch session %s: %v", req.SessionID, err)
	}

	results, err := s.retrieveContext(ctx, req, question)
	if err != nil {
		return nil, nil, err
	}

	messages := s.buildPrompt(bot, results, history, question)

	tokens := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)

		var sb strings.Builder
		streamErr := s.llm.GenerateStream(ctx, messages, func(token string) error {
			if token == "" {
				return nil
			}
			sb.WriteString(token)
			select {
			case tokens <- token:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if streamErr != nil {
			errs <- streamErr
			return
		}

		answer := strings.TrimSpace(sb.String())
		if _, err := s.messages.CreateMessage(ctx, store.Message{
			SessionID:  req.SessionID,
			Role:       llm.RoleAssistant,
			Content:    answer,
			TokenCount: estimateTokens(answer),
		}); err != nil {
			s.logger.Printf("persist assistant message: %v", err)
		}
	}()

	return tokens, errs, nil
}

func (s *Service) retrieveContext(ctx context.Context, req Request, question string) ([]store.SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}

	results, err := s.retrieve.Search(ctx, req.BotID, vectors[0], s.maxContextChunks)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(results) == 0 {
		s.logger.Printf("no context for bot %s, answering from the model alone", req.BotID)
	}
	return results, nil
}

// buildPrompt assembles system prompt, context block, bounded history, and
// the user turn. History is trimmed oldest-first against the token budget.
func (s *Service) buildPrompt(bot store.Bot, results []store.SearchResult, history []store.Message, question string) []llm.Message {
	system := strings.TrimSpace(bot.SystemPrompt)
	if system == "" {
		system = fmt.Sprintf("You are %s, a helpful assistant. Answer using the provided knowledge base context when it is relevant. If the context does not cover the question, say so honestly instead of inventing details.", bot.Name)
	}
	if len(results) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nKnowledge base context:\n")
		for i, r := range results {
			sb.WriteString(fmt.Sprintf("[%d] %s\n%s\n\n", i+1, r.SourceName, strings.TrimSpace(r.Content)))
		}
		system = strings.TrimSpace(sb.String())
	}

	budget := s.maxPromptTokens - estimateTokens(system) - estimateTokens(question)
	kept := history
	for len(kept) > 0 {
		total := 0
		for _, msg := range kept {
			total += estimateTokens(msg.Content)
		}
		if total <= budget {
			break
		}
		kept = kept[1:]
	}

	messages := make([]llm.Message, 0, len(kept)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, msg := range kept {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
