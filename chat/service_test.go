package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/botkb/llm"
	"github.com/fabfab/botkb/store"
)

type stubBots struct {
	bot store.Bot
}

func (s *stubBots) GetBot(_ context.Context, id uuid.UUID) (store.Bot, error) {
	if id != s.bot.ID {
		return store.Bot{}, store.ErrNotFound
	}
	return s.bot, nil
}

type stubSessions struct {
	session store.ChatSession
	touched int
}

func (s *stubSessions) GetSession(_ context.Context, id uuid.UUID) (store.ChatSession, error) {
	if id != s.session.ID {
		return store.ChatSession{}, store.ErrNotFound
	}
	return s.session, nil
}

func (s *stubSessions) TouchSession(_ context.Context, _ uuid.UUID) error {
	s.touched++
	return nil
}

type stubMessages struct {
	mu      sync.Mutex
	history []store.Message
	created []store.Message
}

func (s *stubMessages) CreateMessage(_ context.Context, msg store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = uuid.New()
	s.created = append(s.created, msg)
	return msg, nil
}

func (s *stubMessages) ListMessages(_ context.Context, _ uuid.UUID, _ int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.history...), nil
}

func (s *stubMessages) byRole(role string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, msg := range s.created {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

type stubRetriever struct {
	results []store.SearchResult
}

func (s *stubRetriever) Search(_ context.Context, _ uuid.UUID, _ []float32, _ int) ([]store.SearchResult, error) {
	return s.results, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.5, 0.5}
	}
	return out, nil
}

type stubLLM struct {
	mu        sync.Mutex
	tokens    []string
	err       error
	endless   bool
	delivered int
	messages  []llm.Message
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return strings.Join(s.tokens, ""), s.err
}

func (s *stubLLM) GenerateStream(_ context.Context, messages []llm.Message, fn func(string) error) error {
	s.mu.Lock()
	s.messages = messages
	endless := s.endless
	s.mu.Unlock()

	if endless {
		// Produce tokens until the callback tells us to stop.
		for i := 0; ; i++ {
			if err := fn(fmt.Sprintf("t%d ", i)); err != nil {
				return err
			}
			s.mu.Lock()
			s.delivered++
			s.mu.Unlock()
		}
	}

	for _, tok := range s.tokens {
		if err := fn(tok); err != nil {
			return err
		}
	}
	return s.err
}

func newFixture(historyTokens int) (*Service, *stubSessions, *stubMessages, *stubLLM, Request) {
	bot := store.Bot{ID: uuid.New(), Name: "Helper", Tier: "free"}
	sess := store.ChatSession{ID: uuid.New(), BotID: bot.ID, ExpiresAt: time.Now().Add(time.Hour)}

	sessions := &stubSessions{session: sess}
	messages := &stubMessages{}
	model := &stubLLM{tokens: []string{"The ", "answer ", "is 42."}}

	svc := NewService(&stubBots{bot: bot}, sessions, messages, &stubRetriever{
		results: []store.SearchResult{{SourceName: "faq", Content: "The answer is 42.", Score: 0.9}},
	}, stubEmbedder{}, model, 5, historyTokens, log.New(io.Discard, "", 0))

	return svc, sessions, messages, model, Request{BotID: bot.ID, SessionID: sess.ID, Message: "What is the answer?"}
}

func drain(t *testing.T, tokens <-chan string, errs <-chan error) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				return sb.String(), nil
			}
			sb.WriteString(tok)
		case err := <-errs:
			return sb.String(), err
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamChatHappyPath(t *testing.T) {
	svc, sessions, messages, model, req := newFixture(3000)

	tokens, errs, err := svc.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	out, streamErr := drain(t, tokens, errs)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if out != "The answer is 42." {
		t.Errorf("streamed %q", out)
	}

	if users := messages.byRole(llm.RoleUser); len(users) != 1 || users[0].Content != req.Message {
		t.Errorf("user messages = %+v", users)
	}

	// Assistant persistence happens after the stream closes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if asst := messages.byRole(llm.RoleAssistant); len(asst) == 1 {
			if asst[0].Content != "The answer is 42." {
				t.Errorf("assistant content = %q", asst[0].Content)
			}
			if asst[0].TokenCount == 0 {
				t.Error("assistant token count is zero")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("assistant message never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sessions.touched == 0 {
		t.Error("session was not touched")
	}

	model.mu.Lock()
	defer model.mu.Unlock()
	if model.messages[0].Role != llm.RoleSystem || !strings.Contains(model.messages[0].Content, "The answer is 42.") {
		t.Errorf("system prompt missing retrieved context: %q", model.messages[0].Content)
	}
	if last := model.messages[len(model.messages)-1]; last.Role != llm.RoleUser || last.Content != req.Message {
		t.Errorf("last prompt message = %+v", last)
	}
}

func TestStreamChatEmptyMessage(t *testing.T) {
	svc, _, _, _, req := newFixture(3000)
	req.Message = "   "
	if _, _, err := svc.StreamChat(context.Background(), req); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStreamChatExpiredSession(t *testing.T) {
	svc, sessions, _, _, req := newFixture(3000)
	sessions.session.ExpiresAt = time.Now().Add(-time.Minute)

	_, _, err := svc.StreamChat(context.Background(), req)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestStreamChatSessionBotMismatch(t *testing.T) {
	svc, _, _, _, req := newFixture(3000)
	req.BotID = uuid.New()

	_, _, err := svc.StreamChat(context.Background(), req)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStreamChatModelFailureDiscardsPartialOutput(t *testing.T) {
	svc, _, messages, model, req := newFixture(3000)
	model.err = errors.New("upstream disconnected")

	tokens, errs, err := svc.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	_, streamErr := drain(t, tokens, errs)
	if streamErr == nil {
		t.Fatal("expected stream error")
	}

	time.Sleep(20 * time.Millisecond)
	if asst := messages.byRole(llm.RoleAssistant); len(asst) != 0 {
		t.Errorf("partial assistant output was persisted: %+v", asst)
	}
}

func TestStreamChatClientDisconnect(t *testing.T) {
	svc, _, messages, model, req := newFixture(3000)
	model.endless = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens, errs, err := svc.StreamChat(ctx, req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	// Consume a couple of tokens, then walk away.
	for i := 0; i < 2; i++ {
		select {
		case <-tokens:
		case <-time.After(5 * time.Second):
			t.Fatal("no token received")
		}
	}
	cancel()

	var streamErr error
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case streamErr = <-errs:
			break loop
		case _, ok := <-tokens:
			if !ok {
				select {
				case streamErr = <-errs:
				default:
				}
				break loop
			}
		case <-deadline:
			t.Fatal("stream did not stop after cancellation")
		}
	}
	if !errors.Is(streamErr, context.Canceled) {
		t.Fatalf("stream error = %v, want context.Canceled", streamErr)
	}

	// The model stopped generating: no tokens are delivered after the error
	// surfaced.
	model.mu.Lock()
	seen := model.delivered
	model.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	model.mu.Lock()
	after := model.delivered
	model.mu.Unlock()
	if after != seen {
		t.Errorf("model kept producing after cancel: %d then %d tokens", seen, after)
	}

	if asst := messages.byRole(llm.RoleAssistant); len(asst) != 0 {
		t.Errorf("partial assistant output was persisted: %+v", asst)
	}
}

func TestStreamChatTrimsHistoryOldestFirst(t *testing.T) {
	svc, _, messages, model, req := newFixture(200)

	long := strings.Repeat("wordword ", 40) // ~90 tokens each
	messages.history = []store.Message{
		{Role: llm.RoleUser, Content: "OLDEST " + long},
		{Role: llm.RoleAssistant, Content: "MIDDLE " + long},
		{Role: llm.RoleUser, Content: "NEWEST short question"},
	}

	tokens, errs, err := svc.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if _, streamErr := drain(t, tokens, errs); streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}

	model.mu.Lock()
	defer model.mu.Unlock()
	var flat []string
	for _, msg := range model.messages {
		flat = append(flat, msg.Content)
	}
	joined := strings.Join(flat, "\n")
	if strings.Contains(joined, "OLDEST") {
		t.Error("oldest history message should have been trimmed")
	}
	if !strings.Contains(joined, "NEWEST") {
		t.Error("newest history message should have been kept")
	}
}
