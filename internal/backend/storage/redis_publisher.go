package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"NetPulse/internal/config"
)

type redisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to Redis and publishes events with PUBLISH.
func NewRedisPublisher(cfg *config.RedisConfig, log *slog.Logger) (Publisher, error) {
	client := redis.NewClient(cfg.GetRedisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		log.Error("failed to connect to Redis", "addr", cfg.Addr, "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis", "addr", cfg.Addr)
	return &redisPublisher{client: client}, nil
}

func (r *redisPublisher) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *redisPublisher) Close() error {
	return r.client.Close()
}
