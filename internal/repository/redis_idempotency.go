package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
)

type RedisIdempotencyStore struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *RedisClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool) {
	k := s.client.key("idem", key)
	lock, _ := json.Marshal(model.IdempotencyRecord{CreatedAt: time.Now().UTC(), Processing: true})

	acquired, err := s.client.Client.SetNX(ctx, k, lock, s.ttl).Result()
	if err != nil {
		logger.LogError(ctx, err, "idempotency lock failed", "key", key)
		return nil, false
	}
	if acquired {
		return nil, false
	}

	raw, err := s.client.Client.Get(ctx, k).Bytes()
	if err != nil {
		return nil, false
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	payload, _ := json.Marshal(model.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err := s.client.Client.Set(ctx, s.client.key("idem", key), payload, s.ttl).Err(); err != nil {
		logger.LogError(ctx, err, "idempotency save failed", "key", key)
	}
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) {
	_ = s.client.Client.Del(ctx, s.client.key("idem", key)).Err()
}
