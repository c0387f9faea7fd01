package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fabfab/botkb/config"
)

type scriptedEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (s *scriptedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func TestNewEmbedderProviderSelection(t *testing.T) {
	cfg := config.Config{OllamaHost: "http://localhost:11434"}
	cfg.Embeddings.Provider = config.ProviderOllama
	if _, err := NewEmbedder(cfg); err != nil {
		t.Errorf("ollama provider: %v", err)
	}

	cfg.Embeddings.Provider = config.ProviderOpenAI
	if _, err := NewEmbedder(cfg); err == nil {
		t.Error("expected error for openai provider without API key")
	}

	cfg.Embeddings.Provider = "mystery"
	if _, err := NewEmbedder(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	stub := &scriptedEmbedder{failures: 2, err: errors.New("connection refused")}
	e := WithRetry(stub, 3, time.Millisecond)

	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Errorf("got %d vectors, want 2", len(vectors))
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3", stub.calls)
	}
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	stub := &scriptedEmbedder{failures: 10, err: errors.New("connection refused")}
	e := WithRetry(stub, 3, time.Millisecond)

	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3", stub.calls)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	stub := &scriptedEmbedder{failures: 10, err: errors.New("invalid model")}
	e := WithRetry(stub, 5, time.Millisecond)

	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error")
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", stub.calls)
	}
}

type countingEmbedder struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	now := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if now <= seen || c.maxSeen.CompareAndSwap(seen, now) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return make([][]float32, len(texts)), nil
}

func TestWithGateBoundsConcurrency(t *testing.T) {
	counter := &countingEmbedder{}
	e := WithGate(counter, semaphore.NewWeighted(2))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Embed(context.Background(), []string{"x"})
		}()
	}
	wg.Wait()

	if max := counter.maxSeen.Load(); max > 2 {
		t.Errorf("max concurrency = %d, want <= 2", max)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "nomic-embed-text", Dimension: 3})
	vectors, err := e.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 3 {
		t.Fatalf("vectors = %v", vectors)
	}
}

func TestOllamaEmbedderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[0.1,0.2]}`)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "m", Dimension: 3})
	if _, err := e.Embed(context.Background(), []string{"hello"}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestOllamaEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "m"})
	if _, err := e.Embed(context.Background(), []string{"hello"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
