package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror copies published events onto a Redis Stream so external
// consumers (and replicas behind a load balancer) can tail run activity.
// Mirroring is best-effort: a Redis outage never blocks a run.
type RedisMirror struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror creates a mirror writing to the named stream.
func NewRedisMirror(client *redis.Client, stream string, logger *zap.Logger) *RedisMirror {
	if stream == "" {
		stream = "symposium:events"
	}
	return &RedisMirror{
		client: client,
		stream: stream,
		maxLen: 10000,
		logger: logger,
	}
}

// Publish appends one event to the stream, trimming it approximately to the
// configured length.
func (rm *RedisMirror) Publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := rm.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rm.stream,
		MaxLen: rm.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":  evt.RunID,
			"type":    evt.Type,
			"task":    evt.Task,
			"message": evt.Message,
			"seq":     evt.Seq,
			"ts":      evt.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		rm.logger.Warn("Redis mirror publish failed",
			zap.String("run_id", evt.RunID),
			zap.Error(err),
		)
	}
}
