package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/streaming"
)

// StreamingHandler serves SSE endpoints for run events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /stream/sse?run_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Last-Event-ID header or query param to replay from
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	sse := newSSEWriter(w)
	sse.comment("connected to run " + runID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort within the ring)
	lastSeq := lastID
	for _, evt := range h.mgr.ReplaySince(runID, lastID) {
		if !typeFilter.allows(evt.Type) {
			continue
		}
		sse.event(evt)
		lastSeq = evt.Seq
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt := <-ch:
			if evt.Seq <= lastSeq || !typeFilter.allows(evt.Type) {
				continue
			}
			sse.event(evt)
			lastSeq = evt.Seq
			flusher.Flush()
		case <-hb.C:
			sse.comment("heartbeat")
			flusher.Flush()
		}
	}
}

// sseWriter formats events in SSE wire format with headers set once.
type sseWriter struct {
	w http.ResponseWriter
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w}
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
}

func (s *sseWriter) event(evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(s.w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(s.w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", string(evt.Marshal()))
}

// typeFilter restricts a stream to specific event types; empty allows all.
type typeFilter map[string]struct{}

func parseTypeFilter(s string) typeFilter {
	f := typeFilter{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) allows(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}
