package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/comigor/localchat/internal/chat"
	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
	"github.com/comigor/localchat/internal/logger"
)

// Sessions is the read side of the session store exposed over HTTP.
type Sessions interface {
	GetHistory(ctx context.Context, sessionID int64) ([]history.Entry, error)
	ListSessions(ctx context.Context) ([]history.Session, error)
	Ping(ctx context.Context) error
}

// Handler serves the chat API.
type Handler struct {
	chat        *chat.Service
	sessions    Sessions
	backendAddr string
}

// NewHandler creates the API handler. backendAddr is only used in error details.
func NewHandler(chatSvc *chat.Service, sessions Sessions, backendAddr string) *Handler {
	return &Handler{chat: chatSvc, sessions: sessions, backendAddr: backendAddr}
}

// RegisterRoutes registers the chat API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleModels)
	r.Post("/chat", h.handleChat)
	r.Get("/chat/history", h.handleHistory)
	r.Get("/chat/sessions", h.handleSessions)
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	body, err := h.chat.Models(r.Context())
	if err != nil {
		logger.L.Error("error fetching models", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	Stream    bool          `json:"stream"`
	SessionID *int64        `json:"session_id"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.Model = strings.TrimSpace(payload.Model)
	if payload.Model == "" {
		respondError(w, http.StatusBadRequest, "model is required")
		return
	}

	req := chat.Request{
		ID:       uuid.NewString(),
		Model:    payload.Model,
		Messages: payload.Messages,
		Stream:   payload.Stream,
	}
	if payload.SessionID != nil {
		req.SessionID = *payload.SessionID
	}
	w.Header().Set("X-Chat-ID", req.ID)

	resp, err := h.chat.Converse(r.Context(), req)
	if err != nil {
		status, detail := classifyError(err, h.backendAddr)
		respondError(w, status, detail)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	var sessionID int64
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "session_id must be an integer")
			return
		}
		sessionID = id
	}

	entries, err := h.sessions.GetHistory(r.Context(), sessionID)
	if err != nil {
		logger.L.Error("error fetching chat history", "session_id", sessionID, "error", err)
		status, detail := classifyError(err, h.backendAddr)
		respondError(w, status, detail)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		logger.L.Error("error fetching chat sessions", "error", err)
		status, detail := classifyError(err, h.backendAddr)
		respondError(w, status, detail)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
