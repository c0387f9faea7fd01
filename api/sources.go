package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fabfab/botkb/extractor"
	"github.com/fabfab/botkb/store"
)

type urlSourceRequest struct {
	URL string `json:"url"`
}

type textSourceRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ownedBot resolves {botID} and verifies the caller owns it.
func (s *Server) ownedBot(w http.ResponseWriter, r *http.Request) (store.Bot, bool) {
	userID, ok := s.userID(w, r)
	if !ok {
		return store.Bot{}, false
	}
	botID, err := pathUUID(r, "botID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return store.Bot{}, false
	}
	bot, err := s.store.GetBotForUser(r.Context(), botID, userID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return store.Bot{}, false
	}
	return bot, true
}

func (s *Server) handleCreateURLSource(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	var req urlSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	pageURL, err := validateURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	src, err := s.ingestor.CreateAndEnqueue(r.Context(), store.Source{
		BotID: bot.ID,
		Type:  store.SourceTypeURL,
		Name:  pageURL,
		URL:   pageURL,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleCreateTextSource(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxTextSizeMB)<<20)
	var req textSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = "pasted text"
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	payload := []byte(req.Content)
	src, err := s.ingestor.CreateAndEnqueue(r.Context(), store.Source{
		BotID:      bot.ID,
		Type:       store.SourceTypeText,
		Name:       req.Name,
		RawContent: payload,
		SizeBytes:  int64(len(payload)),
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleUploadSource(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	maxBytes := int64(s.cfg.MaxUploadSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err))
		return
	}
	defer file.Close()

	// Reject unsupported formats before persisting anything.
	if _, err := extractor.DetectFormat(header.Filename, header.Header.Get("Content-Type")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	src, err := s.ingestor.CreateAndEnqueue(r.Context(), store.Source{
		BotID:      bot.ID,
		Type:       store.SourceTypeFile,
		Name:       header.Filename,
		RawContent: data,
		SizeBytes:  int64(len(data)),
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleCreateSitemapSources(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	var req urlSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	seedURL, err := validateURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.ingestor.CrawlSitemap(r.Context(), bot.ID, seedURL)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	sources, err := s.store.ListSourcesByBot(r.Context(), bot.ID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, sources)
}

// handleGetSource serves the polling endpoint: status, progress, and error
// message for one source.
func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	sourceID, err := pathUUID(r, "sourceID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	src, err := s.store.GetSourceForBot(r.Context(), sourceID, bot.ID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	sourceID, err := pathUUID(r, "sourceID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.SoftDeleteSource(r.Context(), sourceID, bot.ID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if s.insights != nil {
		if err := s.insights.RemoveSource(r.Context(), sourceID.String()); err != nil {
			s.logger.Printf("remove source %s from graph: %v", sourceID, err)
		}
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "source deleted"})
}

func (s *Server) handleSourceInsights(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("knowledge graph is not enabled"))
		return
	}

	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	sourceID, err := pathUUID(r, "sourceID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetSourceForBot(r.Context(), sourceID, bot.ID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	insights, err := s.insights.SourceInsights(r.Context(), []string{sourceID.String()})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, insights[sourceID.String()])
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return parsed.String(), nil
}
