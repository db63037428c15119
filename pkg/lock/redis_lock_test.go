package lock

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
		t.Skip("REDIS_ADDR not set, skipping redis lock test")
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

func TestRedisLocker_AcquireTimeoutRelease(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLocker(client, RedisLockerConfig{
		KeyPrefix:    "quiztest-" + uuid.NewString(),
		LeaseTTL:     2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, logger.Discard())
	ctx := context.Background()

	release, ok := l.Acquire(ctx, "s1", time.Second)
	require.True(t, ok)

	_, ok = l.Acquire(ctx, "s1", 50*time.Millisecond)
	assert.False(t, ok)

	// 其他键不受影响
	releaseOther, ok := l.Acquire(ctx, "s2", 50*time.Millisecond)
	require.True(t, ok)
	releaseOther()

	release()
	release2, ok := l.Acquire(ctx, "s1", 50*time.Millisecond)
	require.True(t, ok)
	release2()
}
