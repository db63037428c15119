// Package catalog 在词库之上加一层通读缓存，绝大多数请求不会触达底层数据源。
package catalog

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vocabquiz/pkg/cache"
	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// CachedRepository 词库缓存装饰器。所有查询共享一个 ExpiringCache，
// 统计信息和容量上限因此是全局的。
type CachedRepository struct {
	base   core.WordRepository
	cache  *cache.ExpiringCache[any]
	logger *logrus.Entry
}

// NewCachedRepository 创建缓存装饰器
func NewCachedRepository(base core.WordRepository, config cache.Config, clk clock.Clock, log *logrus.Entry) *CachedRepository {
	log = logger.OrComponent(log, "catalog")
	return &CachedRepository{
		base:   base,
		cache:  cache.New[any](config, clk, log),
		logger: log,
	}
}

// cached 以 key 读取或计算一个类型为 T 的值
func cached[T any](ctx context.Context, r *CachedRepository, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	v, err := r.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

// cloneWords 返回切片副本，调用方修改结果不会污染缓存
func cloneWords(words []core.Word) []core.Word {
	if words == nil {
		return nil
	}
	out := make([]core.Word, len(words))
	copy(out, words)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// FindAll 实现 core.WordRepository
func (r *CachedRepository) FindAll(ctx context.Context) ([]core.Word, error) {
	words, err := cached(ctx, r, KeyAllWords, r.base.FindAll)
	return cloneWords(words), err
}

// FindByID 实现 core.WordRepository
func (r *CachedRepository) FindByID(ctx context.Context, id string) (core.Word, error) {
	return cached(ctx, r, WordKey(id), func(ctx context.Context) (core.Word, error) {
		return r.base.FindByID(ctx, id)
	})
}

// FindByFilter 实现 core.WordRepository，空过滤条件直接复用全量列表缓存。
// 数据源收到的是规范化后的过滤条件，与缓存键一一对应。
func (r *CachedRepository) FindByFilter(ctx context.Context, filter core.WordFilter) ([]core.Word, error) {
	filter = filter.Normalized()
	key := FilterKey(filter)
	if key == KeyAllWords {
		return r.FindAll(ctx)
	}
	words, err := cached(ctx, r, key, func(ctx context.Context) ([]core.Word, error) {
		return r.base.FindByFilter(ctx, filter)
	})
	return cloneWords(words), err
}

// ListCategories 实现 core.WordRepository
func (r *CachedRepository) ListCategories(ctx context.Context) ([]string, error) {
	cats, err := cached(ctx, r, KeyCategories, r.base.ListCategories)
	return cloneStrings(cats), err
}

// ListDifficulties 实现 core.WordRepository
func (r *CachedRepository) ListDifficulties(ctx context.Context) ([]string, error) {
	diffs, err := cached(ctx, r, KeyDifficulties, r.base.ListDifficulties)
	return cloneStrings(diffs), err
}

// Count 实现 core.WordRepository，nil 与空过滤条件共享同一个缓存键
func (r *CachedRepository) Count(ctx context.Context, filter *core.WordFilter) (int, error) {
	key := CountKey(filter)
	if key == KeyCountAll {
		filter = nil
	} else {
		normalized := filter.Normalized()
		filter = &normalized
	}
	return cached(ctx, r, key, func(ctx context.Context) (int, error) {
		return r.base.Count(ctx, filter)
	})
}

// WarmUp 并发预热常用键：全量列表、分类、难度和总数
func (r *CachedRepository) WarmUp(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.FindAll(ctx)
		return err
	})
	g.Go(func() error {
		_, err := r.ListCategories(ctx)
		return err
	})
	g.Go(func() error {
		_, err := r.ListDifficulties(ctx)
		return err
	})
	g.Go(func() error {
		_, err := r.Count(ctx, nil)
		return err
	})

	if err := g.Wait(); err != nil {
		r.logger.WithError(err).Warn("catalog warm-up failed")
		return err
	}
	r.logger.WithField("size", r.cache.Len()).Info("catalog cache warmed up")
	return nil
}

// Invalidate 删除单个缓存键
func (r *CachedRepository) Invalidate(key string) bool {
	return r.cache.Invalidate(key)
}

// InvalidateAll 清空全部缓存
func (r *CachedRepository) InvalidateAll() {
	r.cache.InvalidateAll()
	r.logger.Info("catalog cache invalidated")
}

// InvalidateWords 删除所有词条列表、单词和计数缓存，保留分类与难度等元数据
func (r *CachedRepository) InvalidateWords() int {
	return r.cache.InvalidateWhere(func(key string) bool {
		return strings.HasPrefix(key, wordsClassPrefix) || strings.HasPrefix(key, countClassPrefix)
	})
}

// InvalidateWhere 按自定义条件删除缓存键
func (r *CachedRepository) InvalidateWhere(match func(key string) bool) int {
	return r.cache.InvalidateWhere(match)
}

// PurgeExpired 清理过期条目
func (r *CachedRepository) PurgeExpired() int {
	return r.cache.PurgeExpired()
}

// Stats 返回缓存统计信息
func (r *CachedRepository) Stats() cache.Stats {
	return r.cache.Stats()
}

// Close 停止缓存的后台清理
func (r *CachedRepository) Close() error {
	return r.cache.Close()
}

var _ core.WordRepository = (*CachedRepository)(nil)
