// Package api exposes the session and workspace engine over HTTP: REST
// endpoints for inspection and a websocket carrying the session
// protocol.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/service"
	"github.com/termloom/termloom/internal/session"
	"github.com/termloom/termloom/internal/workspace"
)

type Handler struct {
	manager  *service.Manager
	ws       *workspace.Workspace
	presence *workspace.Presence
	logger   *slog.Logger
}

func NewHandler(manager *service.Manager, ws *workspace.Workspace, presence *workspace.Presence, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:  manager,
		ws:       ws,
		presence: presence,
		logger:   logger,
	}
}

func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/workspace", h.getWorkspace)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}/buffer", h.getSessionBuffer)
		r.Get("/buffers/stats", h.getBufferStats)
	})

	r.Get("/ws", h.clientWebSocket)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ws.Snapshot())
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.manager.Sessions(),
		"viewers":  h.presence.Count(),
	})
}

func (h *Handler) getSessionBuffer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !session.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id", "")
		return
	}
	content := h.manager.ReadBuffer(id)
	if content == nil && !h.manager.SessionAlive(id) {
		writeError(w, http.StatusNotFound, "no buffer for session", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"buffer":     string(content),
	})
}

func (h *Handler) getBufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.BufferStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// errorCode maps domain sentinels to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, domain.ErrResource):
		return "resource_error"
	case errors.Is(err, service.ErrInvalidSessionID):
		return "bad_request"
	default:
		return "internal"
	}
}
