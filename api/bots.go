package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fabfab/botkb/config"
	"github.com/fabfab/botkb/store"
)

type botRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	SystemPrompt   string `json:"system_prompt"`
	WelcomeMessage string `json:"welcome_message"`
	PrimaryColor   string `json:"primary_color"`
	Tier           string `json:"tier"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req botRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if req.Tier == "" {
		req.Tier = config.TierFree
	}

	count, err := s.store.CountBotsByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if !config.LimitsForTier(req.Tier).AllowsBot(count) {
		s.writeError(w, http.StatusForbidden, fmt.Errorf("bot limit reached for %s tier", req.Tier))
		return
	}

	bot, err := s.store.CreateBot(r.Context(), store.Bot{
		UserID:         userID,
		Name:           req.Name,
		Description:    req.Description,
		SystemPrompt:   req.SystemPrompt,
		WelcomeMessage: req.WelcomeMessage,
		PrimaryColor:   req.PrimaryColor,
		Tier:           req.Tier,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	bots, err := s.store.ListBots(r.Context(), userID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	botID, err := pathUUID(r, "botID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	bot, err := s.store.GetBotForUser(r.Context(), botID, userID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	botID, err := pathUUID(r, "botID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req botRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}

	bot, err := s.store.UpdateBot(r.Context(), store.Bot{
		ID:             botID,
		UserID:         userID,
		Name:           req.Name,
		Description:    req.Description,
		SystemPrompt:   req.SystemPrompt,
		WelcomeMessage: req.WelcomeMessage,
		PrimaryColor:   req.PrimaryColor,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	botID, err := pathUUID(r, "botID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.SoftDeleteBot(r.Context(), botID, userID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "bot deleted"})
}

type widgetConfig struct {
	BotID          string `json:"bot_id"`
	Name           string `json:"name"`
	WelcomeMessage string `json:"welcome_message"`
	PrimaryColor   string `json:"primary_color"`
}

// handleWidgetConfig is unauthenticated: the widget embed script fetches it
// from visitors' browsers.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	botID, err := pathUUID(r, "botID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	bot, err := s.store.GetBot(r.Context(), botID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, widgetConfig{
		BotID:          bot.ID.String(),
		Name:           bot.Name,
		WelcomeMessage: bot.WelcomeMessage,
		PrimaryColor:   bot.PrimaryColor,
	})
}
