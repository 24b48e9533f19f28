package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/server"
	"github.com/symposium-labs/symposium/internal/session"
)

// SessionHandler serves session lookup and management endpoints.
type SessionHandler struct {
	svc    *server.Service
	logger *zap.Logger
}

func NewSessionHandler(svc *server.Service, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers session routes on the provided mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", h.handleList)
	mux.HandleFunc("GET /sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDelete)
}

// handleList returns a team's sessions, newest first.
// GET /sessions?team_or_user_id=<id>
func (h *SessionHandler) handleList(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_or_user_id")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "team_or_user_id required")
		return
	}
	records, err := h.svc.ListSessions(teamID)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if records == nil {
		records = []*session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("Failed to load session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SessionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.PathValue("id")); err != nil {
		h.logger.Error("Failed to delete session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
