package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

// RedisClient wraps a Redis client used for distributed coordination.
type RedisClient struct {
	Client *redis.Client
	logger *logging.Logger
}

// NewRedisConnection creates and pings a Redis connection.
func NewRedisConnection(cfg config.RedisConfig, logger *logging.Logger) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", "addr", rdb.Options().Addr)
	return &RedisClient{Client: rdb, logger: logger}, nil
}

// HealthCheck verifies the Redis connection.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisClient) Close() {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to close Redis connection")
		}
	}
}
