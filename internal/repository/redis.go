package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
	prefix string
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
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

	return NewRedisClientFrom(rdb, cfg.Redis.KeyPrefix), nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(rdb *redis.Client, prefix string) *RedisClient {
	if prefix == "" {
		prefix = "batchgate"
	}
	return &RedisClient{Client: rdb, prefix: prefix}
}

func (r *RedisClient) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// The day is part of the key, so a new UTC day always starts a fresh counter.
// KEYS[1] counter, ARGV[1] limit, ARGV[2] expiry in unix ms.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= tonumber(ARGV[1]) then
	return {used, 0}
end
used = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {used, 1}
`)

// Consume implements the rate limiter's counter store.
func (r *RedisClient) Consume(ctx context.Context, key, day string, limit int, resetAt time.Time) (int, bool, error) {
	// keep the counter an hour past the reset for late readers
	expireAt := resetAt.Add(time.Hour).UnixMilli()
	res, err := consumeScript.Run(ctx, r.Client, []string{r.key("quota", key, day)}, limit, expireAt).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected quota script reply: %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// RedisObjectStore keeps export payloads in Redis until the download TTL
// passes.
type RedisObjectStore struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisObjectStore(client *RedisClient, ttl time.Duration) *RedisObjectStore {
	if ttl <= 0 {
		ttl = service.DefaultDownloadTTL
	}
	return &RedisObjectStore{client: client, ttl: ttl}
}

func (s *RedisObjectStore) Store(ctx context.Context, data []byte) (string, error) {
	handle := uuid.New().String()
	if err := s.client.Client.Set(ctx, s.client.key("artifact", handle), data, s.ttl).Err(); err != nil {
		return "", err
	}
	return handle, nil
}

func (s *RedisObjectStore) Load(ctx context.Context, handle string) ([]byte, error) {
	data, err := s.client.Client.Get(ctx, s.client.key("artifact", handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrArtifactNotFound
	}
	return data, err
}

// RedisTokenIndex stores artifact entries under the token fingerprint and
// lets Redis expire them at the token's expiry.
type RedisTokenIndex struct {
	client *RedisClient
}

func NewRedisTokenIndex(client *RedisClient) *RedisTokenIndex {
	return &RedisTokenIndex{client: client}
}

func (x *RedisTokenIndex) Put(ctx context.Context, fingerprint string, entry model.ArtifactEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	k := x.client.key("token", fingerprint)
	pipe := x.client.Client.TxPipeline()
	pipe.Set(ctx, k, payload, 0)
	pipe.ExpireAt(ctx, k, entry.ExpiresAt)
	_, err = pipe.Exec(ctx)
	return err
}

func (x *RedisTokenIndex) Get(ctx context.Context, fingerprint string) (model.ArtifactEntry, bool, error) {
	raw, err := x.client.Client.Get(ctx, x.client.key("token", fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ArtifactEntry{}, false, nil
	}
	if err != nil {
		return model.ArtifactEntry{}, false, err
	}
	var entry model.ArtifactEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.ArtifactEntry{}, false, err
	}
	return entry, true, nil
}
