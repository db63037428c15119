package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// 内置维护任务
const (
	TaskSessionSweep   = "session-sweep"
	TaskRateLimitSweep = "ratelimit-sweep"
	TaskCacheWarmUp    = "cache-warmup"
	TaskStatsExport    = "stats-export"
)

// TaskFunc 一个可调度的任务
type TaskFunc func(ctx context.Context, params map[string]interface{}) error

// TaskExecutor 按 JobConfig.Task 分发到已注册的 TaskFunc
type TaskExecutor struct {
	mu     sync.RWMutex
	tasks  map[string]TaskFunc
	logger *logrus.Entry
}

// NewTaskExecutor 创建任务执行器
func NewTaskExecutor(log *logrus.Entry) *TaskExecutor {
	return &TaskExecutor{
		tasks:  make(map[string]TaskFunc),
		logger: logger.OrComponent(log, "scheduler"),
	}
}

// Register 注册任务，同名任务会被覆盖
func (e *TaskExecutor) Register(name string, fn TaskFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[name] = fn
}

// Has 判断任务是否已注册
func (e *TaskExecutor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tasks[name]
	return ok
}

// Tasks 返回已注册的任务名
func (e *TaskExecutor) Tasks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tasks))
	for name := range e.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute 实现 JobExecutor
func (e *TaskExecutor) Execute(ctx context.Context, job *Job) error {
	e.mu.RLock()
	fn, ok := e.tasks[job.Config.Task]
	e.mu.RUnlock()
	if !ok {
		return core.NewQuizError(core.ErrConfigInvalid, "unknown job task").WithContext("task", job.Config.Task)
	}
	return fn(ctx, job.Config.Params)
}

// SessionSweeper 可清理过期会话的存储
type SessionSweeper interface {
	DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// WindowSweeper 可清理过期窗口的限流器
type WindowSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CacheWarmer 可预热并清理过期项的缓存
type CacheWarmer interface {
	WarmUp(ctx context.Context) error
	PurgeExpired() int
}

// StatsExporter 导出统计信息
type StatsExporter interface {
	Export(ctx context.Context) error
}

// SessionSweepTask 删除超过 max_age（默认存储 TTL）未访问的会话
func SessionSweepTask(store SessionSweeper, log *logrus.Entry) TaskFunc {
	log = logger.OrComponent(log, "scheduler")
	return func(ctx context.Context, params map[string]interface{}) error {
		maxAge, err := durationParam(params, "max_age")
		if err != nil {
			return err
		}
		n, err := store.DeleteExpired(ctx, maxAge)
		if err != nil {
			return err
		}
		if n > 0 {
			log.WithField("removed", n).Info("expired sessions swept")
		}
		return nil
	}
}

// RateLimitSweepTask 清理所有限流器的过期窗口
func RateLimitSweepTask(log *logrus.Entry, sweepers ...WindowSweeper) TaskFunc {
	log = logger.OrComponent(log, "scheduler")
	return func(ctx context.Context, _ map[string]interface{}) error {
		total := 0
		for _, s := range sweepers {
			n, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			total += n
		}
		if total > 0 {
			log.WithField("removed", total).Debug("expired rate windows swept")
		}
		return nil
	}
}

// CacheWarmUpTask 清理过期缓存项后预热热点查询
func CacheWarmUpTask(cache CacheWarmer, log *logrus.Entry) TaskFunc {
	log = logger.OrComponent(log, "scheduler")
	return func(ctx context.Context, _ map[string]interface{}) error {
		purged := cache.PurgeExpired()
		if err := cache.WarmUp(ctx); err != nil {
			return err
		}
		log.WithField("purged", purged).Debug("cache warmed up")
		return nil
	}
}

// StatsExportTask 导出统计信息
func StatsExportTask(exporter StatsExporter) TaskFunc {
	return func(ctx context.Context, _ map[string]interface{}) error {
		return exporter.Export(ctx)
	}
}

// durationParam 读取时长参数，支持 "5m" 形式的字符串和以秒为单位的数字；缺失时返回 0
func durationParam(params map[string]interface{}, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, core.WrapError(core.ErrConfigInvalid, fmt.Sprintf("invalid duration param %q", key), err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case time.Duration:
		return v, nil
	default:
		return 0, core.NewQuizError(core.ErrConfigInvalid, fmt.Sprintf("unsupported duration param %q", key)).
			WithContext("type", fmt.Sprintf("%T", raw))
	}
}

// DefaultJobs 未提供任务配置文件时使用的默认任务
func DefaultJobs(sessionSweep, rateLimitSweep, warmUp, export time.Duration) []JobConfig {
	every := func(d time.Duration) string { return "@every " + d.String() }
	jobs := []JobConfig{
		{Name: TaskSessionSweep, Enabled: sessionSweep > 0, Schedule: every(sessionSweep), Task: TaskSessionSweep},
		{Name: TaskRateLimitSweep, Enabled: rateLimitSweep > 0, Schedule: every(rateLimitSweep), Task: TaskRateLimitSweep},
		{Name: TaskCacheWarmUp, Enabled: warmUp > 0, Schedule: every(warmUp), Task: TaskCacheWarmUp},
		{Name: TaskStatsExport, Enabled: export > 0, Schedule: every(export), Task: TaskStatsExport},
	}
	return jobs
}
