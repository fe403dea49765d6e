package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/babylonwatch/sentinel/pkg/alerts"
	"github.com/babylonwatch/sentinel/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration.
const defaultStreamMaxLen = 10000

// RedisStreamSink appends alerts to a Redis stream for downstream consumers.
type RedisStreamSink struct {
	client       *redis.Client
	stream       string
	streamMaxLen int64
	logger       *zap.Logger
}

// NewRedisStreamSink connects using the REDIS_* environment variables:
//   - REDIS_HOST (default "localhost"), REDIS_PORT (default "6379")
//   - REDIS_PASSWORD (default ""), REDIS_DB (default 0)
//   - REDIS_STREAM_MAXLEN (default 10000, 0 = unlimited)
func NewRedisStreamSink(ctx context.Context, logger *zap.Logger, stream string) (*RedisStreamSink, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}

	logger.Info("redis alert stream ready", zap.String("addr", addr), zap.String("stream", stream))
	return &RedisStreamSink{
		client:       rdb,
		stream:       stream,
		streamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", defaultStreamMaxLen),
		logger:       logger.Named("redis"),
	}, nil
}

// SendAlert implements alerts.Sink.
func (r *RedisStreamSink) SendAlert(ctx context.Context, alert alerts.Alert) error {
	values := map[string]interface{}{
		"title":     alert.Title,
		"message":   alert.Message,
		"severity":  string(alert.Severity),
		"network":   alert.Network,
		"timestamp": alert.Timestamp.UTC().Format(time.RFC3339),
	}
	if len(alert.Metadata) > 0 {
		meta, err := json.Marshal(alert.Metadata)
		if err == nil {
			values["metadata"] = string(meta)
		}
	}

	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.streamMaxLen > 0 {
		args.MaxLen = r.streamMaxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append alert to stream %s: %w", r.stream, err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisStreamSink) Close() error { return r.client.Close() }
