package quiz

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/cache"
	"vocabquiz/pkg/catalog"
	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/lock"
	"vocabquiz/pkg/logger"
	"vocabquiz/pkg/repository"
	"vocabquiz/pkg/session"
)

type fixture struct {
	service  *Service
	sessions *session.MemoryStore
	locker   *lock.KeyedMutex
	clock    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.LoadFile("../repository/testdata/words.json")
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cat := catalog.NewCachedRepository(repo, cache.Config{TTL: time.Minute, MaxSize: 100, StatsEnabled: true}, clk, logger.Discard())
	sessions := session.NewMemoryStore(session.Config{TTL: time.Hour}, clk, logger.Discard())
	locker := lock.NewKeyedMutex(logger.Discard())
	t.Cleanup(func() {
		cat.Close()
		sessions.Close()
	})

	svc := NewService(cat, sessions, locker, Options{
		LockTimeout: 50 * time.Millisecond,
		Clock:       clk,
		Rand:        rand.New(rand.NewPCG(1, 2)),
		Logger:      logger.Discard(),
	})
	return &fixture{service: svc, sessions: sessions, locker: locker, clock: clk}
}

func TestNextWords_NeverRepeatsWithinRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food := core.WordFilter{Category: "food"}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		round, err := f.service.NextWords(ctx, "s1", food, 1)
		require.NoError(t, err)
		require.Len(t, round.Words, 1)
		assert.False(t, round.NewRound)

		id := round.Words[0].ID
		assert.False(t, seen[id], "单词 %s 在同一轮中重复出现", id)
		seen[id] = true
		assert.Equal(t, "food", round.Words[0].Category)
		assert.Equal(t, i+1, round.Used)
		assert.Equal(t, 2-i, round.Remaining)
	}
	assert.Len(t, seen, 3)

	sess, err := f.sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2", "w3"}, sess.UsedIDs())
}

func TestNextWords_ExhaustedPoolStartsNewRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	animals := core.WordFilter{Category: "animals"}

	round, err := f.service.NextWords(ctx, "s1", animals, 5)
	require.NoError(t, err)
	assert.Len(t, round.Words, 2, "请求数量超过候选数时返回全部候选")
	assert.Zero(t, round.Remaining)

	round, err = f.service.NextWords(ctx, "s1", animals, 1)
	require.NoError(t, err)
	assert.True(t, round.NewRound)
	assert.Len(t, round.Words, 1)
	assert.Equal(t, 1, round.Used)
}

func TestNextWords_NewRoundKeepsOtherCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.NextWords(ctx, "s1", core.WordFilter{Category: "places"}, 1)
	require.NoError(t, err)
	_, err = f.service.NextWords(ctx, "s1", core.WordFilter{Category: "animals"}, 2)
	require.NoError(t, err)

	// animals 耗尽后开始新一轮，places 的记录保持不变
	_, err = f.service.NextWords(ctx, "s1", core.WordFilter{Category: "animals"}, 1)
	require.NoError(t, err)

	sess, err := f.sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.IsUsed("w6"))
	assert.Equal(t, 2, sess.UsedCount())
}

func TestNextWords_EmptyCandidates(t *testing.T) {
	f := newFixture(t)

	round, err := f.service.NextWords(context.Background(), "s1", core.WordFilter{Category: "nope"}, 3)
	require.NoError(t, err)
	assert.Empty(t, round.Words)
	assert.False(t, round.NewRound)
}

func TestNextWords_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		n    int
		code core.ErrorCode
	}{
		{"数量为零", "s1", 0, core.ErrInvalidArgument},
		{"数量过大", "s1", MaxBatchSize + 1, core.ErrInvalidArgument},
		{"非法会话键", "bad key", 1, core.ErrInvalidSessionKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.NextWords(ctx, tt.key, core.WordFilter{}, tt.n)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
		})
	}
}

func TestNextWords_LockTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, ok := f.locker.Acquire(ctx, "s1", time.Second)
	require.True(t, ok)
	defer release()

	_, err := f.service.NextWords(ctx, "s1", core.WordFilter{}, 1)
	require.Error(t, err)
	assert.Equal(t, core.ErrLockNotAcquired, core.CodeOf(err))

	// 其他会话不受影响
	_, err = f.service.NextWords(ctx, "s2", core.WordFilter{}, 1)
	assert.NoError(t, err)
}

func TestNextWords_ConcurrentCallsDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t)
	f.service.lockTimeout = 2 * time.Second
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.NextWords(ctx, "shared", core.WordFilter{}, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// 6 个单词各出现一次，没有覆盖写
	sess, err := f.sessions.FindByID(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, workers, sess.UsedCount())
}

func TestResetSessionAndProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food := core.WordFilter{Category: "food"}

	_, err := f.service.ResetSession(ctx, "s1", nil)
	assert.Equal(t, core.ErrSessionNotFound, core.CodeOf(err))

	_, err = f.service.NextWords(ctx, "s1", food, 3)
	require.NoError(t, err)

	p, err := f.service.Progress(ctx, "s1", food)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Used)
	assert.Equal(t, 3, p.Total)
	assert.Zero(t, p.Remaining)

	sess, err := f.service.ResetSession(ctx, "s1", []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w3"}, sess.UsedIDs())

	sess, err = f.service.ResetSession(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Zero(t, sess.UsedCount())

	p, err = f.service.Progress(ctx, "s1", core.WordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 6, p.Remaining)
}
