package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/logger"
)

// newTestRedis 连接 REDIS_ADDR 指定的 Redis，未设置时跳过测试
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis rate limit test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore_FixedWindow(t *testing.T) {
	client := newTestRedis(t)
	s := NewRedisStore(client, "quiztest-"+uuid.NewString(), nil)
	ctx := context.Background()

	count, resetAt, err := s.Increment(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), resetAt, 50*time.Millisecond)

	count, _, err = s.Increment(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	time.Sleep(150 * time.Millisecond)
	count, _, err = s.Increment(ctx, "c1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "过期后开启新窗口")
}

func TestLimiter_WithRedisStore(t *testing.T) {
	client := newTestRedis(t)
	l := New(Config{Window: time.Minute, MaxRequests: 1}, NewRedisStore(client, "quiztest-"+uuid.NewString(), nil), nil, logger.Discard())

	assert.False(t, l.Check(newRequest("10.0.0.1:1")).Limited)
	res := l.Check(newRequest("10.0.0.1:1"))
	assert.True(t, res.Limited)
	assert.Positive(t, res.RetryAfterSeconds())
	assert.Equal(t, -1, l.Stats().ActiveWindows)
}
