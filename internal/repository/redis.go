package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/redis/go-redis/v9"
)

func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// savePeakScript writes ARGV[3] only if ARGV[2] is above the stored peak.
var savePeakScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local p = cjson.decode(cur)
  if tonumber(p.peak_price) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// RedisPeakStore keeps position peaks in one hash so they survive restarts.
type RedisPeakStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisPeakStore(client redis.Cmdable, key string) *RedisPeakStore {
	if key == "" {
		key = "polyexec:peaks"
	}
	return &RedisPeakStore{client: client, key: key}
}

func (s *RedisPeakStore) GetPeak(ctx context.Context, positionID string) (model.Peak, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, positionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Peak{}, false, nil
	}
	if err != nil {
		return model.Peak{}, false, err
	}
	var p model.Peak
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Peak{}, false, fmt.Errorf("decode peak %s: %w", positionID, err)
	}
	return p, true, nil
}

func (s *RedisPeakStore) SavePeak(ctx context.Context, peak model.Peak) error {
	raw, err := json.Marshal(peak)
	if err != nil {
		return err
	}
	return savePeakScript.Run(ctx, s.client, []string{s.key}, peak.PositionID, peak.PeakPrice.String(), string(raw)).Err()
}

func (s *RedisPeakStore) DeletePeak(ctx context.Context, positionID string) error {
	return s.client.HDel(ctx, s.key, positionID).Err()
}
