package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/logger"
)

// WindowStore 固定窗口计数存储，实现必须是并发安全的
type WindowStore interface {
	// Increment 对 key 计数加一。窗口不存在或 now 已越过 resetAt 时开启新窗口，计数为 1。
	Increment(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	// Sweep 删除已过期的窗口，返回删除数量
	Sweep(ctx context.Context) (int, error)
	// Close 停止后台任务
	Close() error
}

// rateWindow 单个键的计数窗口
type rateWindow struct {
	count   int
	resetAt time.Time
}

// MemoryStore 进程内窗口存储
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	clock   clock.Clock
	logger  *logrus.Entry

	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore 创建内存窗口存储，sweepInterval>0 时启动后台清理
func NewMemoryStore(clk clock.Clock, sweepInterval time.Duration, log *logrus.Entry) *MemoryStore {
	s := &MemoryStore{
		windows:   make(map[string]*rateWindow),
		clock:     clock.OrDefault(clk),
		logger:    logger.OrComponent(log, "ratelimit"),
		stopSweep: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.startSweep(sweepInterval)
	}
	return s
}

// Increment 实现 WindowStore
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &rateWindow{count: 1, resetAt: now.Add(window)}
		s.windows[key] = w
		return w.count, w.resetAt, nil
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Sweep 实现 WindowStore
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if now.After(w.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// Len 当前窗口数量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close 实现 WindowStore
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}

func (s *MemoryStore) startSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, _ := s.Sweep(context.Background()); n > 0 {
				s.logger.WithField("removed", n).Debug("expired rate windows swept")
			}
		case <-s.stopSweep:
			return
		}
	}
}

// RedisStore 基于 Redis INCR/PEXPIRE 的窗口存储，多实例共享计数。
// 过期由 Redis 负责，Sweep 为空操作。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.Clock
}

// NewRedisStore 创建 Redis 窗口存储
func NewRedisStore(client redis.UniversalClient, keyPrefix string, clk clock.Clock) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "quiz"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		clock:     clock.OrDefault(clk),
	}
}

func (s *RedisStore) windowKey(key string) string {
	return s.keyPrefix + ":ratelimit:" + key
}

// Increment 实现 WindowStore
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	rk := s.windowKey(key)

	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rk)
		pttl = pipe.PTTL(ctx, rk)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}

	now := s.clock.Now()
	ttl := pttl.Val()
	// 新窗口（或丢失过期时间的键）设置过期
	if incr.Val() == 1 || ttl < 0 {
		if err := s.client.PExpire(ctx, rk, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = window
	}
	return int(incr.Val()), now.Add(ttl), nil
}

// Sweep 实现 WindowStore
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// Close 实现 WindowStore，不关闭调用方传入的客户端
func (s *RedisStore) Close() error {
	return nil
}

var (
	_ WindowStore = (*MemoryStore)(nil)
	_ WindowStore = (*RedisStore)(nil)
)
