package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoPolymarket/polyexec/internal/middleware"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares idempotency records across replicas. A Redis
// failure lets the request through rather than blocking the API.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "polyexec:idem:"
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*middleware.IdempotencyRecord, bool) {
	lock, _ := json.Marshal(middleware.IdempotencyRecord{CreatedAt: time.Now().UTC(), Processing: true})
	ok, err := s.client.SetNX(ctx, s.prefix+key, lock, s.ttl).Result()
	if err != nil {
		logger.Warn("idempotency lock failed", "error", err)
		return nil, false
	}
	if ok {
		return nil, false
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.GetOrLock(ctx, key)
	}
	if err != nil {
		logger.Warn("idempotency lookup failed", "error", err)
		return nil, false
	}
	var rec middleware.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	raw, err := json.Marshal(middleware.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		logger.Warn("idempotency save failed", "error", err)
	}
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logger.Warn("idempotency unlock failed", "error", err)
	}
}
