package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares idempotency state across replicas via Redis.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisIdempotencyStore creates a store over the given Redis endpoint.
func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration, logger *slog.Logger) *RedisIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisIdempotencyStore{client: rdb, ttl: ttl, logger: logger}
}

func (s *RedisIdempotencyStore) key(k string) string { return "idem:" + k }

// Check returns the cached response for the key, if present. A Redis error
// reads as a miss: the pipeline's own correlation-ID dedupe still prevents a
// double-apply, so degrading to pass-through is safe.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("idempotency check failed", "key", key, "error", err)
		}
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.logger.Warn("idempotency entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return &cached, true
}

// Set stores a response with the configured TTL.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	raw, err := json.Marshal(&CachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	})
	if err != nil {
		s.logger.Warn("idempotency entry marshal failed", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("idempotency set failed", "key", key, "error", err)
	}
}

// Close releases the Redis connection.
func (s *RedisIdempotencyStore) Close() error { return s.client.Close() }
