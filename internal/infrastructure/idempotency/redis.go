package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	SetXX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares keys between API instances. Claims use SET NX so only
// one request wins a key.
type RedisStore struct {
	client redisClient
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(k string) string {
	var b strings.Builder
	b.Grow(len(s.prefix) + 1 + len(k))
	b.WriteString(s.prefix)
	b.WriteString(":")
	b.WriteString(k)
	return b.String()
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	data, err := json.Marshal(Record{State: StateInProgress, Fingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; treat as claimed by someone else.
		return &Record{State: StateInProgress, Fingerprint: fingerprint}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	rec.State = StateCompleted
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	if !ok {
		return ErrNotStarted
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
