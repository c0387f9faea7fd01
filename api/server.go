// Package api exposes the HTTP surface: bot management, source ingestion,
// and streaming chat for both the dashboard and the public widget.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabfab/botkb/chat"
	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/ingestion"
	"github.com/fabfab/botkb/knowledge"
	"github.com/fabfab/botkb/store"
)

// Store is the persistence surface the handlers need. *store.Store satisfies
// it.
type Store interface {
	CreateBot(ctx context.Context, b store.Bot) (store.Bot, error)
	GetBot(ctx context.Context, id uuid.UUID) (store.Bot, error)
	GetBotForUser(ctx context.Context, id uuid.UUID, userID string) (store.Bot, error)
	ListBots(ctx context.Context, userID string) ([]store.Bot, error)
	CountBotsByUser(ctx context.Context, userID string) (int, error)
	UpdateBot(ctx context.Context, b store.Bot) (store.Bot, error)
	SoftDeleteBot(ctx context.Context, id uuid.UUID, userID string) error

	GetSourceForBot(ctx context.Context, id, botID uuid.UUID) (store.Source, error)
	ListSourcesByBot(ctx context.Context, botID uuid.UUID) ([]store.Source, error)
	SoftDeleteSource(ctx context.Context, id, botID uuid.UUID) error

	CreateSession(ctx context.Context, botID uuid.UUID, visitorID string, ttl time.Duration) (store.ChatSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (store.ChatSession, error)
}

// Ingestor accepts new sources for asynchronous processing.
type Ingestor interface {
	CreateAndEnqueue(ctx context.Context, src store.Source) (store.Source, error)
	CrawlSitemap(ctx context.Context, botID uuid.UUID, seedURL string) (ingestion.SitemapResponse, error)
}

// ChatStreamer runs one chat turn, delivering tokens on the first channel
// and stream failures on the second.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req chat.Request) (<-chan string, <-chan error, error)
}

// InsightSource serves knowledge-graph insights. Nil disables the insights
// endpoint.
type InsightSource interface {
	SourceInsights(ctx context.Context, sourceIDs []string) (map[string]knowledge.SourceInsight, error)
	RemoveSource(ctx context.Context, sourceID string) error
}

type Server struct {
	cfg      config.Config
	logger   *log.Logger
	store    Store
	ingestor Ingestor
	chat     ChatStreamer
	insights InsightSource
	handler  http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg config.Config, st Store, ingestor Ingestor, chatSvc ChatStreamer, insights InsightSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		ingestor: ingestor,
		chat:     chatSvc,
		insights: insights,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/bots", func(r chi.Router) {
			r.Post("/", s.handleCreateBot)
			r.Get("/", s.handleListBots)

			r.Route("/{botID}", func(r chi.Router) {
				r.Get("/", s.handleGetBot)
				r.Put("/", s.handleUpdateBot)
				r.Delete("/", s.handleDeleteBot)

				r.Post("/chat", s.handleDashboardChat)

				r.Route("/sources", func(r chi.Router) {
					r.Get("/", s.handleListSources)
					r.Post("/", s.handleCreateURLSource)
					r.Post("/text", s.handleCreateTextSource)
					r.Post("/upload", s.handleUploadSource)
					r.Post("/sitemap", s.handleCreateSitemapSources)

					r.Route("/{sourceID}", func(r chi.Router) {
						r.Get("/", s.handleGetSource)
						r.Delete("/", s.handleDeleteSource)
						r.Get("/insights", s.handleSourceInsights)
					})
				})
			})
		})

		r.Route("/public", func(r chi.Router) {
			r.Get("/bots/{botID}/config", s.handleWidgetConfig)
			r.Post("/chats", s.handleCreateSession)
			r.Post("/chats/{sessionID}/messages", s.handlePublicChat)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// userID reads the caller identity set by the auth layer in front of this
// service.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing X-User-ID header"))
		return "", false
	}
	return id, true
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingestion.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, ingestion.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
