package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Name        string        `yaml:"name"`          // 熔断器名称
	MaxRequests uint32        `yaml:"max_requests"`  // 半开状态下的最大请求数
	Interval    time.Duration `yaml:"interval"`      // 统计窗口时间
	Timeout     time.Duration `yaml:"timeout"`       // 熔断器打开后的超时时间
	ReadyToTrip uint32        `yaml:"ready_to_trip"` // 触发熔断的连续失败次数阈值
}

// CircuitBreakerStats 熔断器统计信息
type CircuitBreakerStats struct {
	State          string    `json:"state"`
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	Rejected       int64     `json:"rejected_requests"`
	LastFailure    time.Time `json:"last_failure"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        "WordRepository",
		MaxRequests: 5,                // 半开状态允许5个请求
		Interval:    60 * time.Second, // 60秒统计窗口
		Timeout:     30 * time.Second, // 熔断30秒
		ReadyToTrip: 5,                // 5次连续失败触发熔断
	}
}

// CircuitBreakerRepository 为词库加上熔断保护的装饰器。
// 熔断打开时直接返回 ErrStoreUnavailable，不再访问底层数据源。
type CircuitBreakerRepository struct {
	base   core.WordRepository
	cb     *gobreaker.CircuitBreaker
	logger *logrus.Entry

	mu    sync.RWMutex
	stats CircuitBreakerStats
}

// NewCircuitBreakerRepository 创建熔断装饰器
func NewCircuitBreakerRepository(base core.WordRepository, config CircuitBreakerConfig, log *logrus.Entry) *CircuitBreakerRepository {
	r := &CircuitBreakerRepository{
		base:   base,
		logger: logger.OrComponent(log, "repository"),
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		// 业务上的“未找到”和调用方取消不算数据源故障
		IsSuccessful: func(err error) bool {
			return err == nil ||
				core.HasCode(err, core.ErrWordNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	r.cb = gobreaker.NewCircuitBreaker(settings)
	return r
}

// execute 通过熔断器执行一次调用
func execute[T any](r *CircuitBreakerRepository, fn func() (T, error)) (T, error) {
	r.mu.Lock()
	r.stats.TotalRequests++
	r.mu.Unlock()

	result, err := r.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		r.recordFailure(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, core.WrapError(core.ErrStoreUnavailable, "word repository temporarily unavailable", err)
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

func (r *CircuitBreakerRepository) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.stats.Rejected++
		return
	}
	if core.HasCode(err, core.ErrWordNotFound) {
		return
	}
	r.stats.FailedRequests++
	r.stats.LastFailure = time.Now()
}

// Stats 返回熔断器统计信息
func (r *CircuitBreakerRepository) Stats() CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.State = r.cb.State().String()
	return s
}

// IsHealthy 熔断器未打开即视为健康
func (r *CircuitBreakerRepository) IsHealthy() bool {
	return r.cb.State() != gobreaker.StateOpen
}

// FindAll 实现 core.WordRepository
func (r *CircuitBreakerRepository) FindAll(ctx context.Context) ([]core.Word, error) {
	return execute(r, func() ([]core.Word, error) { return r.base.FindAll(ctx) })
}

// FindByID 实现 core.WordRepository
func (r *CircuitBreakerRepository) FindByID(ctx context.Context, id string) (core.Word, error) {
	return execute(r, func() (core.Word, error) { return r.base.FindByID(ctx, id) })
}

// FindByFilter 实现 core.WordRepository
func (r *CircuitBreakerRepository) FindByFilter(ctx context.Context, filter core.WordFilter) ([]core.Word, error) {
	return execute(r, func() ([]core.Word, error) { return r.base.FindByFilter(ctx, filter) })
}

// ListCategories 实现 core.WordRepository
func (r *CircuitBreakerRepository) ListCategories(ctx context.Context) ([]string, error) {
	return execute(r, func() ([]string, error) { return r.base.ListCategories(ctx) })
}

// ListDifficulties 实现 core.WordRepository
func (r *CircuitBreakerRepository) ListDifficulties(ctx context.Context) ([]string, error) {
	return execute(r, func() ([]string, error) { return r.base.ListDifficulties(ctx) })
}

// Count 实现 core.WordRepository
func (r *CircuitBreakerRepository) Count(ctx context.Context, filter *core.WordFilter) (int, error) {
	return execute(r, func() (int, error) { return r.base.Count(ctx, filter) })
}

var _ core.WordRepository = (*CircuitBreakerRepository)(nil)
