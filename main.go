package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fabfab/botkb/api"
	"github.com/fabfab/botkb/chat"
	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/crawler"
	"github.com/fabfab/botkb/database"
	"github.com/fabfab/botkb/embeddings"
	"github.com/fabfab/botkb/ingestion"
	"github.com/fabfab/botkb/knowledge"
	"github.com/fabfab/botkb/llm"
	"github.com/fabfab/botkb/store"
)

const sessionSweepInterval = time.Hour

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	// The knowledge graph is optional; without Neo4j the insights endpoint is
	// disabled and sources are not mirrored.
	var graphMirror ingestion.GraphMirror
	var insightSource api.InsightSource
	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			logger.Fatalf("neo4j connection: %v", err)
		}
		defer driver.Close(ctx)

		graph := knowledge.NewGraph(driver)
		graphMirror = graph
		insightSource = graph
		logger.Printf("knowledge graph enabled at %s", cfg.Neo4jURI)
	}

	// One semaphore caps concurrent provider calls process-wide: embedding
	// batches from the pipelines and chat streams draw from the same budget.
	providerGate := semaphore.NewWeighted(int64(cfg.EmbedConcurrency))

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}
	embedder = embeddings.WithRetry(embedder, 3, time.Second)
	embedder = embeddings.WithGate(embedder, providerGate)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}
	llmClient = llm.WithGate(llmClient, providerGate)

	st := store.New(pool, logger)
	pages := crawler.New(cfg.MaxCrawlURLs, cfg.CrawlRatePerSec, logger)

	pipeline := ingestion.NewPipeline(st, embedder, pages, graphMirror, cfg, logger)
	queue := ingestion.NewQueue(pipeline, cfg.WorkerPool, cfg.QueueBuffer, logger)
	pipeline.SetQueue(queue)
	queue.Start(ctx)

	chatSvc := chat.NewService(st, st, st, st, embedder, llmClient,
		cfg.Chat.MaxContextChunks, cfg.Chat.MaxPromptTokens, logger)

	server := api.New(cfg, st, pipeline, chatSvc, insightSource, logger)

	go sweepSessions(ctx, st, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("listening on :%s (%d ingestion workers)", cfg.Port, cfg.WorkerPool)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}

	// Let in-flight ingestion jobs finish before closing the pool.
	queue.Stop()
	logger.Println("shutdown complete")
}

// sweepSessions periodically removes expired chat sessions and their messages.
func sweepSessions(ctx context.Context, st *store.Store, logger *log.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.DeleteExpiredSessions(ctx)
			if err != nil {
				logger.Printf("delete expired sessions: %v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("removed %d expired chat sessions", removed)
			}
		}
	}
}
