package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config) (*MemoryStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	s := NewMemoryStore(cfg, clk, logger.Discard())
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestMemoryStore_FindOrCreate(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	sess, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.Key)
	assert.Equal(t, epoch, sess.CreatedAt)
	assert.Equal(t, epoch, sess.LastAccessedAt)
	assert.Zero(t, sess.UsedCount())

	clk.Advance(time.Minute)
	again, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, epoch, again.CreatedAt, "已有会话不应重建")
	assert.Equal(t, epoch.Add(time.Minute), again.LastAccessedAt)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	_, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)

	// 恰好 TTL 时仍然有效
	clk.Advance(time.Hour)
	_, err = s.FindByID(ctx, "s1")
	require.NoError(t, err)

	clk.Advance(time.Hour + time.Millisecond)
	_, err = s.FindByID(ctx, "s1")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.ErrSessionNotFound))

	// 过期后重新创建，创建时间是新的
	sess, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), sess.CreatedAt)
}

func TestMemoryStore_CapacityEvictsLeastRecentlyAccessed(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour, MaxSessions: 2})
	ctx := context.Background()

	for _, key := range []string{"s1", "s2", "s3"} {
		_, err := s.FindOrCreate(ctx, key)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	ok, _ := s.Exists(ctx, "s1")
	assert.False(t, ok)
	ok, _ = s.Exists(ctx, "s2")
	assert.True(t, ok)
	ok, _ = s.Exists(ctx, "s3")
	assert.True(t, ok)

	n, _ := s.Count(ctx)
	assert.Equal(t, 2, n)
}

// TestMemoryStore_CapacityTieEvictsFirstInserted 访问时间相同时按插入顺序淘汰
func TestMemoryStore_CapacityTieEvictsFirstInserted(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		s, _ := newTestStore(t, Config{TTL: time.Hour, MaxSessions: 2})
		for _, key := range []string{"s1", "s2", "s3"} {
			_, err := s.FindOrCreate(ctx, key)
			require.NoError(t, err)
		}

		ok, _ := s.Exists(ctx, "s1")
		require.False(t, ok, "第 %d 轮 s1 应被淘汰", i)
		ok, _ = s.Exists(ctx, "s2")
		require.True(t, ok, "第 %d 轮 s2 应保留", i)
		ok, _ = s.Exists(ctx, "s3")
		require.True(t, ok)
	}
}

func TestMemoryStore_CapacityHonoursAccessTime(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour, MaxSessions: 2})
	ctx := context.Background()

	_, _ = s.FindOrCreate(ctx, "s1")
	clk.Advance(time.Second)
	_, _ = s.FindOrCreate(ctx, "s2")
	clk.Advance(time.Second)
	// 访问 s1 后，s2 成为最久未访问的会话
	_, _ = s.FindByID(ctx, "s1")
	clk.Advance(time.Second)
	_, _ = s.FindOrCreate(ctx, "s3")

	ok, _ := s.Exists(ctx, "s1")
	assert.True(t, ok)
	ok, _ = s.Exists(ctx, "s2")
	assert.False(t, ok)
}

func TestMemoryStore_MutateAndSave(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	sess, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)

	clk.Advance(time.Second)
	s.MarkUsed(sess, "w1")
	s.MarkUsed(sess, "w2")
	s.MarkUsed(sess, "w3")
	assert.Equal(t, epoch.Add(time.Second), sess.LastAccessedAt)

	// 未保存前存储中的会话不变
	stored, err := s.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, stored.UsedCount())

	require.NoError(t, s.Save(ctx, sess))
	stored, err = s.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2", "w3"}, stored.UsedIDs())

	s.ResetUsed(stored, []string{"w2", "missing"})
	assert.Equal(t, []string{"w1", "w3"}, stored.UsedIDs())

	s.ResetAll(stored)
	assert.Zero(t, stored.UsedCount())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	sess, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)
	sess.UsedWordIDs["w1"] = struct{}{}

	stored, err := s.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, stored.IsUsed("w1"))

	require.NoError(t, s.Save(ctx, sess))
	sess.UsedWordIDs["w2"] = struct{}{}
	stored, err = s.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, stored.UsedIDs())
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	_, _ = s.FindOrCreate(ctx, "old")
	clk.Advance(30 * time.Minute)
	_, _ = s.FindOrCreate(ctx, "new")
	clk.Advance(31 * time.Minute)

	// 使用配置的 TTL
	n, err := s.DeleteExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 自定义 maxAge
	n, err = s.DeleteExpired(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, _ := s.Count(ctx)
	assert.Zero(t, count)
}

func TestMemoryStore_DeleteAndExists(t *testing.T) {
	s, clk := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	_, _ = s.FindOrCreate(ctx, "s1")

	// Exists 不刷新访问时间
	clk.Advance(50 * time.Minute)
	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	clk.Advance(11 * time.Minute)
	ok, _ = s.Exists(ctx, "s1")
	assert.False(t, ok)

	_, _ = s.FindOrCreate(ctx, "s2")
	deleted, err := s.Delete(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryStore_InvalidKeys(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"空键", ""},
		{"过长", strings.Repeat("a", MaxKeyLength+1)},
		{"空格", "has space"},
		{"斜杠", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.FindOrCreate(ctx, tt.key)
			require.Error(t, err)
			assert.Equal(t, core.ErrInvalidSessionKey, core.CodeOf(err))
		})
	}

	assert.NoError(t, ValidateKey(strings.Repeat("a", MaxKeyLength)))
	assert.NoError(t, ValidateKey("user-1:quiz_2.a"))
	assert.NoError(t, ValidateKey(NewKey()))

	err := s.Save(ctx, nil)
	assert.Equal(t, core.ErrInvalidArgument, core.CodeOf(err))
}

func TestMemoryStore_BackgroundSweep(t *testing.T) {
	s := NewMemoryStore(Config{TTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, nil, logger.Discard())
	defer s.Close()
	ctx := context.Background()

	_, err := s.FindOrCreate(ctx, "s1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, _ := s.Count(ctx)
		return n == 0
	}, time.Second, 5*time.Millisecond)

	// 重复关闭是安全的
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSession_JSONRoundTrip(t *testing.T) {
	sess := newSession("s1", epoch)
	sess.UsedWordIDs["w2"] = struct{}{}
	sess.UsedWordIDs["w1"] = struct{}{}

	raw, err := json.Marshal(sess.toJSON())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"used_word_ids":["w1","w2"]`)

	var j sessionJSON
	require.NoError(t, json.Unmarshal(raw, &j))
	decoded := j.toSession()
	assert.Equal(t, sess.UsedIDs(), decoded.UsedIDs())
	assert.True(t, sess.CreatedAt.Equal(decoded.CreatedAt))
}

func TestSession_TouchNeverPrecedesCreation(t *testing.T) {
	sess := newSession("s1", epoch)
	sess.touch(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, sess.LastAccessedAt)
}
