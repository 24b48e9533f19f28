package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/symposium-labs/symposium/internal/streaming"
)

func newStreamingServer(t *testing.T) (*streaming.Manager, *httptest.Server) {
	t.Helper()
	mgr := streaming.NewManager(64)
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return mgr, srv
}

func TestSSERequiresRunID(t *testing.T) {
	_, srv := newStreamingServer(t)
	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEReplaysBacklog(t *testing.T) {
	mgr, srv := newStreamingServer(t)

	mgr.Publish("run-1", streaming.Event{Type: streaming.TypeTaskOutput, Task: "rewrite", Message: "first"})
	mgr.Publish("run-1", streaming.Event{Type: streaming.TypeTaskOutput, Task: "moderate", Message: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/stream/sse?run_id=run-1&last_event_id=0", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			if len(dataLines) == 2 {
				cancel()
				break
			}
		}
	}
	require.Len(t, dataLines, 2)
	assert.Contains(t, dataLines[0], "first")
	assert.Contains(t, dataLines[1], "second")
}

func TestSSELastEventIDSkipsSeenEvents(t *testing.T) {
	mgr, srv := newStreamingServer(t)

	mgr.Publish("run-2", streaming.Event{Type: streaming.TypeTaskOutput, Message: "old"})
	mgr.Publish("run-2", streaming.Event{Type: streaming.TypeTaskOutput, Message: "new"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/stream/sse?run_id=run-2", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			cancel()
			break
		}
	}
	require.Len(t, dataLines, 1)
	assert.Contains(t, dataLines[0], "new")
	assert.NotContains(t, dataLines[0], "old")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	mgr, srv := newStreamingServer(t)

	mgr.Publish("run-3", streaming.Event{Type: streaming.TypeTaskOutput, Message: "backlog"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-3&last_event_id=0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var evt streaming.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "backlog", evt.Message)

	mgr.Publish("run-3", streaming.Event{Type: streaming.TypeRunCompleted, Message: "done"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, streaming.TypeRunCompleted, evt.Type)
}
