package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/botkb/chat"
)

type chatRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Message   string    `json:"message"`
}

type createSessionRequest struct {
	BotID     uuid.UUID `json:"bot_id"`
	VisitorID string    `json:"visitor_id"`
}

// sseEvent is one chat stream frame. Type is "token", "done", or "error".
type sseEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleCreateSession opens an anonymous widget session for a bot.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.BotID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bot_id is required"))
		return
	}
	if strings.TrimSpace(req.VisitorID) == "" {
		req.VisitorID = uuid.NewString()
	}

	if _, err := s.store.GetBot(r.Context(), req.BotID); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	ttl := time.Duration(s.cfg.SessionTTLHours) * time.Hour
	session, err := s.store.CreateSession(r.Context(), req.BotID, req.VisitorID, ttl)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

// handlePublicChat streams one widget chat turn over SSE.
func (s *Server) handlePublicChat(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.streamChat(w, r, chat.Request{
		BotID:     session.BotID,
		SessionID: sessionID,
		Message:   req.Message,
	})
}

// handleDashboardChat lets a bot owner test their bot from the dashboard.
func (s *Server) handleDashboardChat(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.SessionID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("session_id is required"))
		return
	}

	s.streamChat(w, r, chat.Request{
		BotID:     bot.ID,
		SessionID: req.SessionID,
		Message:   req.Message,
	})
}

// streamChat runs one chat turn and relays it as server-sent events. Errors
// before the first token get a plain JSON error response; once streaming has
// started, failures surface as an "error" event on the open stream.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chat.Request) {
	tokens, errs, err := s.chat.StreamChat(r.Context(), req)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case streamErr := <-errs:
			s.logger.Printf("chat stream for session %s: %v", req.SessionID, streamErr)
			s.writeEvent(w, flusher, sseEvent{Type: "error", Error: streamErr.Error()})
			return
		case token, open := <-tokens:
			if !open {
				// The token channel closes after any stream error has been
				// sent, so a final non-blocking drain decides the last event.
				select {
				case streamErr := <-errs:
					s.logger.Printf("chat stream for session %s: %v", req.SessionID, streamErr)
					s.writeEvent(w, flusher, sseEvent{Type: "error", Error: streamErr.Error()})
				default:
					s.writeEvent(w, flusher, sseEvent{Type: "done"})
				}
				return
			}
			s.writeEvent(w, flusher, sseEvent{Type: "token", Content: token})
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("marshal sse event: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
