package dedup

import (
	"context"
	"fmt"
	"time"

	"profile-notifier/internal/interfaces"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ interfaces.DedupStore = (*RedisStore)(nil)

const redisKeyPrefix = "profile_notifier:seen:"

// RedisStore is a dedup store shared between several instances of the service.
// Each id is a key with a TTL equal to the dedup window; SET NX decides first-seen atomically.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed dedup store. It pings Redis before returning.
func NewRedisStore(ctx context.Context, client *redis.Client, window time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if window <= 0 {
		return nil, fmt.Errorf("dedup window must be greater than 0")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redis dedup store initialized", zap.Duration("window", window))
	return &RedisStore{
		client: client,
		window: window,
		logger: logger.Named("RedisDedupStore"),
	}, nil
}

// MarkSeen records id and reports whether it was seen for the first time within the window.
func (s *RedisStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	key := redisKeyPrefix + id
	created, err := s.client.SetNX(ctx, key, time.Now().Unix(), s.window).Result()
	if err != nil {
		s.logger.Error("Failed to record message id in redis", zap.String("source_message_id", id), zap.Error(err))
		return true, fmt.Errorf("redis SETNX failed: %w", err)
	}
	if !created {
		// Повтор: продлеваем окно так же, как это делает in-memory кэш.
		if err := s.client.Expire(ctx, key, s.window).Err(); err != nil {
			s.logger.Warn("Failed to refresh dedup TTL", zap.String("source_message_id", id), zap.Error(err))
		}
	}
	return created, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
