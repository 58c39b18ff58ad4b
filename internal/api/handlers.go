package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"collab-engine/internal/auth"
	"collab-engine/internal/collab"
	"collab-engine/internal/models"

	"github.com/gorilla/mux"
)

// Handler exposes the session lifecycle API over HTTP. These are thin
// entry points: all session semantics live in the collab package.
type Handler struct {
	service   CollabService
	verifier  TokenVerifier
	wsHandler *collab.WebSocketHandler
}

func NewHandler(service CollabService, verifier TokenVerifier, wsHandler *collab.WebSocketHandler) *Handler {
	return &Handler{
		service:   service,
		verifier:  verifier,
		wsHandler: wsHandler,
	}
}

// authenticate resolves the caller's identity from the Authorization
// header. Every lifecycle endpoint requires it.
func (h *Handler) authenticate(r *http.Request) (auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return h.verifier.Verify(token)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ProjectID  string `json:"project_id"`
		DocumentID string `json:"document_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	sess, err := h.service.CreateSession(r.Context(), req.ProjectID, req.DocumentID, identity.UserID, identity.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := mux.Vars(r)["id"]

	var req struct {
		Role models.Role `json:"role,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Role != models.RoleViewer {
		req.Role = ""
	}

	result, err := h.service.JoinSession(r.Context(), sessionID, identity.UserID, identity.DisplayName, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.service.GetSession(r.Context(), mux.Vars(r)["id"], identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	h.service.LeaveSession(r.Context(), mux.Vars(r)["id"], identity.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions := h.service.ListUserSessions(r.Context(), identity.UserID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.service.GetChatHistory(r.Context(), mux.Vars(r)["id"], identity.UserID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

func (h *Handler) PostChatMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Content  string                 `json:"content"`
		Type     models.ChatMessageType `json:"type,omitempty"`
		Mentions []string               `json:"mentions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg, err := h.service.PostChatMessage(r.Context(), mux.Vars(r)["id"], identity.UserID, req.Content, req.Type, req.Mentions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleSessionWebSocket upgrades into the collaboration transport.
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSessionConnection(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, collab.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrAccessDenied), errors.Is(err, collab.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, collab.ErrInvalidOperation), errors.Is(err, collab.ErrInvalidProject):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
