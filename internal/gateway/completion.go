package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/symposium-labs/symposium/internal/circuitbreaker"
	"github.com/symposium-labs/symposium/internal/metrics"
	"github.com/symposium-labs/symposium/internal/tracing"
)

// CompletionRequest is a structured prompt for the text-generation service.
type CompletionRequest struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream,omitempty"`
}

// Chunk is one streamed completion fragment.
type Chunk struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

// CompletionConfig configures the completion gateway client.
type CompletionConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	RateLimit   float64
	RateBurst   int
}

// CompletionClient calls the text-generation service with bounded retry,
// client-side rate limiting, and a circuit breaker. Retries cover only the
// retryable error classes; validation and auth failures surface immediately.
type CompletionClient struct {
	cfg     CompletionConfig
	httpw   *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCompletionClient creates a completion gateway client.
func NewCompletionClient(cfg CompletionConfig, logger *zap.Logger) *CompletionClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &CompletionClient{
		cfg:     cfg,
		httpw:   circuitbreaker.NewHTTPWrapper(httpClient, "completion", logger),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type completionResponse struct {
	Text string `json:"text"`
}

// Generate performs a blocking completion call with bounded retry and backoff.
func (c *CompletionClient) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	req.Stream = false

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.WithLabelValues("completion").Inc()
			backoff := c.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			c.logger.Debug("Retrying completion call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
		}

		text, err := c.generateOnce(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !Retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *CompletionClient) generateOnce(ctx context.Context, req CompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()

	url := fmt.Sprintf("%s/completions", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			metrics.RecordGatewayMetrics("completion", "breaker_open", time.Since(start).Seconds())
			return "", fmt.Errorf("%w: %v", ErrConnection, err)
		}
		metrics.RecordGatewayMetrics("completion", "error", time.Since(start).Seconds())
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordGatewayMetrics("completion", "error", time.Since(start).Seconds())
		return "", classifyStatus(resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordGatewayMetrics("completion", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("%w: decode response: %v", ErrRuntime, err)
	}

	metrics.RecordGatewayMetrics("completion", "ok", time.Since(start).Seconds())
	return out.Text, nil
}

// GenerateStream performs a chunked completion call. Chunks arrive on the
// returned channel in generation order; the channel closes after the final
// chunk or on context cancellation. Stream calls are not retried.
func (c *CompletionClient) GenerateStream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req.Stream = true
	start := time.Now()

	url := fmt.Sprintf("%s/completions", c.cfg.BaseURL)
	buf, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		metrics.RecordGatewayMetrics("completion", "error", time.Since(start).Seconds())
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		metrics.RecordGatewayMetrics("completion", "error", time.Since(start).Seconds())
		return nil, classifyStatus(resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var chunk Chunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.logger.Warn("Dropping malformed stream chunk", zap.Error(err))
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				break
			}
		}
		metrics.RecordGatewayMetrics("completion", "ok", time.Since(start).Seconds())
	}()
	return out, nil
}
