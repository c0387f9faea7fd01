package ingestion

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

	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/store"
)

type memoryStore struct {
	mu       sync.Mutex
	bots     map[uuid.UUID]store.Bot
	sources  map[uuid.UUID]*store.Source
	payloads map[uuid.UUID][]byte
	chunks   map[uuid.UUID][]store.Chunk
	progress map[uuid.UUID][]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		bots:     make(map[uuid.UUID]store.Bot),
		sources:  make(map[uuid.UUID]*store.Source),
		payloads: make(map[uuid.UUID][]byte),
		chunks:   make(map[uuid.UUID][]store.Chunk),
		progress: make(map[uuid.UUID][]int),
	}
}

func (m *memoryStore) addBot(tier string) store.Bot {
	bot := store.Bot{ID: uuid.New(), UserID: "u", Name: "bot", Tier: tier}
	m.bots[bot.ID] = bot
	return bot
}

func (m *memoryStore) addSource(botID uuid.UUID, typ, name string, payload []byte) *store.Source {
	src := &store.Source{ID: uuid.New(), BotID: botID, Type: typ, Name: name, Status: store.StatusPending, SizeBytes: int64(len(payload))}
	m.sources[src.ID] = src
	m.payloads[src.ID] = payload
	return src
}

func (m *memoryStore) GetBot(_ context.Context, id uuid.UUID) (store.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return store.Bot{}, store.ErrNotFound
	}
	return bot, nil
}

func (m *memoryStore) GetSource(_ context.Context, id uuid.UUID) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.Source{}, store.ErrNotFound
	}
	return *src, nil
}

func (m *memoryStore) GetRawContent(_ context.Context, id uuid.UUID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.payloads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return payload, nil
}

func (m *memoryStore) CreateSource(_ context.Context, src store.Source) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	src.Status = store.StatusPending
	m.sources[src.ID] = &src
	m.payloads[src.ID] = src.RawContent
	return src, nil
}

func (m *memoryStore) CountSourcesByBot(_ context.Context, botID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, src := range m.sources {
		if src.BotID == botID {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) SumSourceSizeByBot(_ context.Context, botID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, src := range m.sources {
		if src.BotID == botID {
			total += src.SizeBytes
		}
	}
	return total, nil
}

func (m *memoryStore) Claim(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != store.StatusPending {
		return store.ErrAlreadyClaimed
	}
	src.Status = store.StatusProcessing
	return nil
}

func (m *memoryStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	if src.Status == store.StatusProcessing && progress > src.Progress {
		src.Progress = progress
		m.progress[id] = append(m.progress[id], progress)
	}
	return nil
}

func (m *memoryStore) MarkCompleted(_ context.Context, id uuid.UUID, chunkCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	src.Status = store.StatusCompleted
	src.Progress = 100
	src.ChunkCount = chunkCount
	return nil
}

func (m *memoryStore) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	src.Status = store.StatusFailed
	src.ErrorMessage = message
	return nil
}

func (m *memoryStore) ReplaceChunks(_ context.Context, sourceID uuid.UUID, chunks []store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[sourceID] = chunks
	return nil
}

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type stubFetcher struct {
	pages map[string]string
	urls  []string
	err   error
}

func (s *stubFetcher) FetchPage(_ context.Context, pageURL string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	text, ok := s.pages[pageURL]
	if !ok {
		return "", "", fmt.Errorf("fetch %s: status 404", pageURL)
	}
	return "title", text, nil
}

func (s *stubFetcher) DiscoverSitemap(_ context.Context, _ string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.urls, nil
}

func testConfig() config.Config {
	return config.Config{
		ChunkSize:        400,
		ChunkOverlap:     50,
		EmbedConcurrency: 2,
	}
}

func newTestPipeline(ms *memoryStore, embedder *stubEmbedder, fetcher PageFetcher) *Pipeline {
	return NewPipeline(ms, embedder, fetcher, nil, testConfig(), log.New(io.Discard, "", 0))
}

func TestProcessTextSource(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree)
	src := ms.addSource(bot.ID, store.SourceTypeText, "faq", []byte(strings.Repeat("Useful answer to a common question. ", 100)))

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	if err := p.Process(context.Background(), Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if src.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", src.Status, src.ErrorMessage)
	}
	if src.Progress != 100 {
		t.Errorf("progress = %d, want 100", src.Progress)
	}
	if src.ChunkCount == 0 || len(ms.chunks[src.ID]) != src.ChunkCount {
		t.Errorf("chunk_count = %d, stored = %d", src.ChunkCount, len(ms.chunks[src.ID]))
	}
	for i, c := range ms.chunks[src.ID] {
		if c.Index != i {
			t.Errorf("chunk %d has index %d, want contiguous from 0", i, c.Index)
		}
		if c.TokenCount == 0 {
			t.Errorf("chunk %d has zero token count", i)
		}
	}

	// Progress only ever moved forward.
	history := ms.progress[src.ID]
	for i := 1; i < len(history); i++ {
		if history[i] <= history[i-1] {
			t.Errorf("progress regressed: %v", history)
		}
	}
}

func TestProcessEmptySourceCompletesWithZeroChunks(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree)
	src := ms.addSource(bot.ID, store.SourceTypeText, "blank", []byte("   \n\n  "))

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	if err := p.Process(context.Background(), Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if src.Status != store.StatusCompleted || src.ChunkCount != 0 {
		t.Errorf("source = %s/%d chunks, want completed/0", src.Status, src.ChunkCount)
	}
	if src.Progress != 100 {
		t.Errorf("progress = %d, want 100", src.Progress)
	}
}

func TestProcessEmbedFailureMarksFailed(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree)
	src := ms.addSource(bot.ID, store.SourceTypeText, "faq", []byte("Some content worth chunking."))

	p := newTestPipeline(ms, &stubEmbedder{err: errors.New("provider down")}, nil)
	if err := p.Process(context.Background(), Job{SourceID: src.ID, BotID: bot.ID}); err == nil {
		t.Fatal("expected error from Process")
	}
	if src.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", src.Status)
	}
	if src.ErrorMessage == "" {
		t.Error("error message is empty")
	}
}

func TestProcessURLSource(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierPro)
	src := ms.addSource(bot.ID, store.SourceTypeURL, "docs page", nil)
	src.URL = "https://example.com/docs"

	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/docs": strings.Repeat("Documentation paragraph with details. ", 50),
	}}
	p := newTestPipeline(ms, &stubEmbedder{}, fetcher)
	if err := p.Process(context.Background(), Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if src.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", src.Status)
	}
}

func TestProcessSkipsAlreadyClaimed(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree)
	src := ms.addSource(bot.ID, store.SourceTypeText, "faq", []byte("content"))
	src.Status = store.StatusProcessing

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	if err := p.Process(context.Background(), Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
		t.Fatalf("Process on claimed source = %v, want nil", err)
	}
	if src.Status != store.StatusProcessing {
		t.Errorf("status changed to %s", src.Status)
	}
}

func TestCreateAndEnqueueQuota(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree)
	for i := 0; i < 5; i++ {
		ms.addSource(bot.ID, store.SourceTypeText, fmt.Sprintf("s%d", i), []byte("x"))
	}

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	p.SetQueue(NewQueue(p, 1, 8, log.New(io.Discard, "", 0)))

	_, err := p.CreateAndEnqueue(context.Background(), store.Source{BotID: bot.ID, Type: store.SourceTypeText, Name: "one too many"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestCreateAndEnqueueStorageQuota(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree) // 50 MB storage cap
	big := ms.addSource(bot.ID, store.SourceTypeFile, "archive.pdf", nil)
	big.SizeBytes = 49 << 20

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	p.SetQueue(NewQueue(p, 1, 8, log.New(io.Discard, "", 0)))

	_, err := p.CreateAndEnqueue(context.Background(), store.Source{
		BotID:     bot.ID,
		Type:      store.SourceTypeFile,
		Name:      "more.pdf",
		SizeBytes: 2 << 20,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// A source that still fits the cap goes through.
	if _, err := p.CreateAndEnqueue(context.Background(), store.Source{
		BotID:     bot.ID,
		Type:      store.SourceTypeFile,
		Name:      "small.pdf",
		SizeBytes: 1 << 20,
	}); err != nil {
		t.Fatalf("CreateAndEnqueue within cap: %v", err)
	}
}

func TestQueueProcessesJobs(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierPro)

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	q := NewQueue(p, 2, 16, log.New(io.Discard, "", 0))
	q.Start(context.Background())

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		src := ms.addSource(bot.ID, store.SourceTypeText, fmt.Sprintf("doc%d", i), []byte("A paragraph of content to index."))
		ids = append(ids, src.ID)
		if err := q.Enqueue(Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	q.Stop()

	for _, id := range ids {
		src, _ := ms.GetSource(context.Background(), id)
		if src.Status != store.StatusCompleted {
			t.Errorf("source %s = %s, want completed", id, src.Status)
		}
	}
}

func TestQueueFull(t *testing.T) {
	p := newTestPipeline(newMemoryStore(), &stubEmbedder{}, nil)
	q := NewQueue(p, 1, 1, log.New(io.Discard, "", 0))
	// Not started: the buffer holds one job, the second must be rejected.
	if err := q.Enqueue(Job{SourceID: uuid.New()}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(Job{SourceID: uuid.New()}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Enqueue = %v, want ErrQueueFull", err)
	}
}

func TestCrawlSitemapFanOut(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierPro)

	fetcher := &stubFetcher{
		urls: []string{"https://ex.com/a", "https://ex.com/b", "https://ex.com/c"},
		pages: map[string]string{
			"https://ex.com/a": "Page A content.",
			"https://ex.com/b": "Page B content.",
			"https://ex.com/c": "Page C content.",
		},
	}
	p := newTestPipeline(ms, &stubEmbedder{}, fetcher)
	q := NewQueue(p, 2, 16, log.New(io.Discard, "", 0))
	p.SetQueue(q)
	q.Start(context.Background())

	resp, err := p.CrawlSitemap(context.Background(), bot.ID, "https://ex.com")
	if err != nil {
		t.Fatalf("CrawlSitemap: %v", err)
	}
	q.Stop()

	if resp.TotalURLs != 3 || resp.CreatedCount != 3 || len(resp.Sources) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	for _, created := range resp.Sources {
		src, _ := ms.GetSource(context.Background(), created.ID)
		if src.Type != store.SourceTypeSitemapChild {
			t.Errorf("source type = %s", src.Type)
		}
		if src.Status != store.StatusCompleted {
			t.Errorf("source %s = %s, want completed", src.Name, src.Status)
		}
	}
}

func TestCrawlSitemapQuotaBounded(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierFree) // 5 sources max
	for i := 0; i < 3; i++ {
		ms.addSource(bot.ID, store.SourceTypeText, fmt.Sprintf("s%d", i), []byte("x"))
	}

	var urls []string
	pages := make(map[string]string)
	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("https://ex.com/p%d", i)
		urls = append(urls, u)
		pages[u] = "content"
	}
	p := newTestPipeline(ms, &stubEmbedder{}, &stubFetcher{urls: urls, pages: pages})
	p.SetQueue(NewQueue(p, 1, 32, log.New(io.Discard, "", 0)))

	resp, err := p.CrawlSitemap(context.Background(), bot.ID, "https://ex.com")
	if err != nil {
		t.Fatalf("CrawlSitemap: %v", err)
	}
	if resp.CreatedCount != 2 {
		t.Errorf("created %d children, want 2 (quota 5 minus 3 existing)", resp.CreatedCount)
	}
	if !strings.Contains(resp.Message, "limit") {
		t.Errorf("message %q does not mention the limit", resp.Message)
	}
}

func TestQueueStopWaitsForInFlight(t *testing.T) {
	ms := newMemoryStore()
	bot := ms.addBot(config.TierPro)
	src := ms.addSource(bot.ID, store.SourceTypeText, "slow", []byte("Some content."))

	p := newTestPipeline(ms, &stubEmbedder{}, nil)
	q := NewQueue(p, 1, 4, log.New(io.Discard, "", 0))
	q.Start(context.Background())

	if err := q.Enqueue(Job{SourceID: src.ID, BotID: bot.ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if src.Status != store.StatusCompleted {
		t.Errorf("status after Stop = %s, want completed", src.Status)
	}
}
