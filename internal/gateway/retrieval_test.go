package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRetrievalClient(t *testing.T, url string) *RetrievalClient {
	t.Helper()
	return NewRetrievalClient(RetrievalConfig{
		BaseURL: url,
		Timeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "inflation drivers", req.Query)
		assert.Equal(t, 3, req.TopK)

		json.NewEncoder(w).Encode(searchResponse{Results: []Passage{
			{Content: "passage one", Metadata: map[string]string{"source": "doc-1"}},
			{Content: "passage two"},
		}})
	}))
	defer srv.Close()

	client := newRetrievalClient(t, srv.URL)
	passages, err := client.Search(context.Background(), "inflation drivers", 3)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "passage one", passages[0].Content)
	assert.Equal(t, "doc-1", passages[0].Metadata["source"])
}

func TestSearchDefaultsTopK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 5, req.TopK)
		json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer srv.Close()

	client := newRetrievalClient(t, srv.URL)
	_, err := client.Search(context.Background(), "query", 0)
	assert.NoError(t, err)
}

func TestSearchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newRetrievalClient(t, srv.URL)
	_, err := client.Search(context.Background(), "query", 3)
	assert.ErrorIs(t, err, ErrRuntime)
}

func TestSearchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := newRetrievalClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Search(ctx, "query", 3)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSearchMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	client := newRetrievalClient(t, srv.URL)
	_, err := client.Search(context.Background(), "query", 3)
	assert.ErrorIs(t, err, ErrRuntime)
}
