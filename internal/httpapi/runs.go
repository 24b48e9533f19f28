package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/server"
)

// RunHandler serves run submission endpoints.
type RunHandler struct {
	svc    *server.Service
	logger *zap.Logger
}

func NewRunHandler(svc *server.Service, logger *zap.Logger) *RunHandler {
	return &RunHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers run routes on the provided mux.
func (h *RunHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.handleSubmit)
	mux.HandleFunc("POST /runs/{id}/cancel", h.handleCancel)
}

// handleSubmit starts a panel run. With Accept: text/event-stream the
// response is a live SSE stream of the run's events; otherwise the handler
// blocks until the run finishes and returns the final report as JSON.
func (h *RunHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req server.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	runID, done, err := h.svc.StartRun(req)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "run queue is full")
		case errors.Is(err, server.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamRun(w, r, runID, done)
		return
	}

	select {
	case result := <-done:
		if result.Err != nil {
			h.logger.Warn("Run failed",
				zap.String("run_id", runID),
				zap.Error(result.Err),
			)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"run_id":     runID,
				"session_id": result.SessionID,
				"error":      result.Err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	case <-r.Context().Done():
		// Nobody is waiting for the answer anymore; stop the run's gateway
		// calls rather than burning through them for a gone client.
		h.svc.CancelRun(runID)
		h.logger.Info("Client disconnected, canceling run", zap.String("run_id", runID))
	}
}

// handleCancel cancels a queued or running run.
// POST /runs/{id}/cancel
func (h *RunHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !h.svc.CancelRun(runID) {
		writeError(w, http.StatusNotFound, "unknown or finished run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "canceling",
	})
}

// streamRun subscribes to the run's events and relays them as SSE until the
// run completes or the client disconnects. Events published before the
// subscription took effect are recovered from the replay ring.
func (h *RunHandler) streamRun(w http.ResponseWriter, r *http.Request, runID string, done <-chan server.RunResult) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	mgr := h.svc.Stream()
	ch := mgr.Subscribe(runID, 256)
	defer mgr.Unsubscribe(runID, ch)

	sse := newSSEWriter(w)
	sse.comment("run " + runID)

	var lastSeq uint64
	for _, evt := range mgr.ReplaySince(runID, 0) {
		sse.event(evt)
		lastSeq = evt.Seq
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.svc.CancelRun(runID)
			return
		case <-done:
			// Drain whatever the subscription missed, then finish.
			for _, evt := range mgr.ReplaySince(runID, lastSeq) {
				sse.event(evt)
			}
			flusher.Flush()
			return
		case evt := <-ch:
			if evt.Seq <= lastSeq {
				continue
			}
			sse.event(evt)
			lastSeq = evt.Seq
			flusher.Flush()
		}
	}
}
