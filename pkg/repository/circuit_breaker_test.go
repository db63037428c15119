package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// failingRepository 可控制失败的词库
type failingRepository struct {
	*MemoryRepository
	fail  bool
	calls int
}

func (f *failingRepository) FindAll(ctx context.Context) ([]core.Word, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("disk read error")
	}
	return f.MemoryRepository.FindAll(ctx)
}

func TestCircuitBreakerRepository_TripsAfterFailures(t *testing.T) {
	base := &failingRepository{MemoryRepository: loadTestRepository(t), fail: true}
	cfg := DefaultCircuitBreakerConfig()
	cfg.ReadyToTrip = 3
	cfg.Timeout = time.Hour
	repo := NewCircuitBreakerRepository(base, cfg, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.FindAll(ctx)
		assert.Error(t, err)
		assert.False(t, core.HasCode(err, core.ErrStoreUnavailable))
	}
	assert.False(t, repo.IsHealthy())

	// 熔断打开后不再调用底层数据源
	_, err := repo.FindAll(ctx)
	assert.True(t, core.HasCode(err, core.ErrStoreUnavailable))
	assert.Equal(t, 3, base.calls)

	stats := repo.Stats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.Rejected)
}

// TestCircuitBreakerRepository_NotFoundIsNotFailure 未找到不计为故障
func TestCircuitBreakerRepository_NotFoundIsNotFailure(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.ReadyToTrip = 1
	repo := NewCircuitBreakerRepository(loadTestRepository(t), cfg, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.FindByID(ctx, "missing")
		assert.True(t, core.HasCode(err, core.ErrWordNotFound))
	}
	assert.True(t, repo.IsHealthy())

	w, err := repo.FindByID(ctx, "w4")
	require.NoError(t, err)
	assert.Equal(t, "dog", w.Term)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}
