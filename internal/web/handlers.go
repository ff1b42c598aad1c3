package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/koopa0/stockdesk/internal/agent"
	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/conversation"
	"github.com/koopa0/stockdesk/internal/scraper"
	"github.com/koopa0/stockdesk/internal/web/sse"
)

// maxRequestBody caps request bodies. Chat context payloads are the
// largest legitimate input and stay well under this.
const maxRequestBody = 1 << 20

// ChatRequest is the body of POST /api/chat/message. Context carries the
// dashboard's already-rendered data keyed by section name; it becomes the
// request's snapshot cache tier.
type ChatRequest struct {
	ConversationID string                     `json:"conversation_id"`
	Message        string                     `json:"message"`
	Ticker         string                     `json:"ticker"`
	Context        map[string]json.RawMessage `json:"context"`
}

// ScrapeRequest is the body of POST /api/chat/scrape-articles.
type ScrapeRequest struct {
	Ticker   string            `json:"ticker"`
	Articles []scraper.Article `json:"articles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = conversation.NewID()
	} else if err := conversation.ValidateID(convID); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := s.conversations.Get(convID)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap := cache.NewSnapshot(req.Ticker, req.Context)

	// The id goes out as a header so the client learns it before the
	// first event arrives.
	w.Header().Set("X-Conversation-ID", convID)

	stream, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, outcome := s.loop.Run(r.Context(), history, req.Message, snap)
	for ev := range events {
		var werr error
		switch ev.Kind {
		case agent.EventToolCall:
			werr = stream.WriteToolCall(ev.Tool, string(ev.Status))
		case agent.EventText:
			werr = stream.WriteText(ev.Text)
		case agent.EventDone:
			werr = stream.WriteDone()
		case agent.EventError:
			werr = stream.WriteError(ev.Text)
		}
		if werr != nil {
			// Client gone. Stop consuming; the loop observes the break
			// and abandons the run.
			s.logger.Debug("client disconnected mid-stream", "conversation_id", convID)
			break
		}
	}

	// Persist whatever consistent prefix the run produced, even on
	// failure. A failed run still consumed the user's message.
	if len(outcome.NewTurns) > 0 {
		if err := s.conversations.Append(convID, outcome.NewTurns...); err != nil {
			s.logger.Error("appending conversation turns", "error", err, "conversation_id", convID)
		}
	}

	s.logger.Info("chat request finished",
		"conversation_id", convID,
		"state", outcome.State,
		"new_turns", len(outcome.NewTurns))
}

func (s *Server) handleScrapeArticles(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "knowledge index is not configured")
		return
	}

	var req ScrapeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		s.writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	stats, err := s.indexer.IndexArticles(r.Context(), req.Ticker, req.Articles)
	if err != nil {
		if errors.Is(err, scraper.ErrTooManyArticles) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := s.conversations.Get(id)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrInvalidID):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, conversation.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.conversations.Clear(id); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	knowledgeState := "disabled"
	if s.indexer != nil {
		knowledgeState = "configured"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"knowledge":     knowledgeState,
		"conversations": s.conversations.Len(),
		"cache_entries": s.cacheStore.Len(),
	})
}

// decodeJSON reads a size-limited JSON body into dst. On failure it writes
// the error response itself and reports false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
