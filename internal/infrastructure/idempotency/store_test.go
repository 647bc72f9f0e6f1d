package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the handful of commands RedisStore issues.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) SetXX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	existing, started, err := s.Begin(ctx, "k1", "fp-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Nil(t, existing)

	existing, started, err = s.Begin(ctx, "k1", "fp-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, started)
	require.NotNil(t, existing)
	assert.Equal(t, StateInProgress, existing.State)

	require.NoError(t, s.Complete(ctx, "k1", Record{
		Fingerprint: "fp-a",
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{"success":true}`),
	}, time.Hour))

	existing, started, err = s.Begin(ctx, "k1", "fp-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateCompleted, existing.State)
	assert.Equal(t, 201, existing.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(existing.Body))

	_, started, err = s.Begin(ctx, "k2", "fp-b", time.Hour)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, s.Release(ctx, "k2"))
	_, started, err = s.Begin(ctx, "k2", "fp-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, started)

	assert.ErrorIs(t, s.Complete(ctx, "never-started", Record{}, time.Hour), ErrNotStarted)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore_Contract(t *testing.T) {
	storeContract(t, &RedisStore{client: newFakeRedis(), prefix: "idem"})
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, started, err := s.Begin(context.Background(), "k", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, started)

	now = now.Add(2 * time.Minute)
	_, started, err = s.Begin(context.Background(), "k", "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
}

func TestRedisStore_PrefixAndErrors(t *testing.T) {
	fake := newFakeRedis()
	s := &RedisStore{client: fake, prefix: "idem"}

	_, _, err := s.Begin(context.Background(), "user-1:abc", "fp", 24*time.Hour)
	require.NoError(t, err)
	require.Contains(t, fake.data, "idem:user-1:abc")
	assert.Equal(t, 24*time.Hour, fake.ttls["idem:user-1:abc"])

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(fake.data["idem:user-1:abc"]), &rec))
	assert.Equal(t, "fp", rec.Fingerprint)

	fake.err = errors.New("connection refused")
	_, _, err = s.Begin(context.Background(), "other", "fp", time.Hour)
	assert.ErrorContains(t, err, "connection refused")
}
