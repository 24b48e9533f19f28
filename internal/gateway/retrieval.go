package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/circuitbreaker"
	"github.com/symposium-labs/symposium/internal/metrics"
	"github.com/symposium-labs/symposium/internal/tracing"
)

// Passage is one ranked piece of reference material.
type Passage struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievalConfig configures the retrieval gateway client.
type RetrievalConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RetrievalClient is a thin HTTP client for the text-search service.
// Search is idempotent and side-effect-free from the orchestrator's view.
type RetrievalClient struct {
	cfg    RetrievalConfig
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewRetrievalClient creates a retrieval gateway client.
func NewRetrievalClient(cfg RetrievalConfig, logger *zap.Logger) *RetrievalClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &RetrievalClient{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "retrieval", logger),
		logger: logger,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []Passage `json:"results"`
}

// Search returns up to k ranked passages for the query.
func (c *RetrievalClient) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 5
	}
	start := time.Now()

	url := fmt.Sprintf("%s/search", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(searchRequest{Query: query, TopK: k})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordGatewayMetrics("retrieval", "error", time.Since(start).Seconds())
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordGatewayMetrics("retrieval", "error", time.Since(start).Seconds())
		return nil, classifyStatus(resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordGatewayMetrics("retrieval", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: decode response: %v", ErrRuntime, err)
	}

	metrics.RecordGatewayMetrics("retrieval", "ok", time.Since(start).Seconds())
	c.logger.Debug("Retrieval search completed",
		zap.Int("requested", k),
		zap.Int("returned", len(out.Results)),
	)
	return out.Results, nil
}
