// Package ratelimit 固定窗口限流：按客户端限流，以及按 GraphQL 操作类型/名称限流的变体。
// 超限是正常的返回值而不是错误；存储故障时放行并记录告警。
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/logger"
)

// KeyFunc 从请求中解析客户端标识
type KeyFunc func(r *http.Request) string

// SkipFunc 返回 true 时请求不计数直接放行
type SkipFunc func(r *http.Request) bool

// Config 限流配置
type Config struct {
	Window      time.Duration
	MaxRequests int
	KeyFunc     KeyFunc  // 为空时使用 DefaultKeyFunc
	SkipFunc    SkipFunc // 可选
}

// Result 一次限流检查的结果
type Result struct {
	Key        string
	Count      int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Limited    bool
	RetryAfter time.Duration // 仅在 Limited 时非零
	Skipped    bool
}

// RetryAfterSeconds 向上取整的重试秒数，超限时至少为 1
func (r Result) RetryAfterSeconds() int {
	if !r.Limited {
		return 0
	}
	return max(1, int(math.Ceil(r.RetryAfter.Seconds())))
}

// Stats 限流统计
type Stats struct {
	Checked       int64 `json:"checked"`
	Limited       int64 `json:"limited"`
	Skipped       int64 `json:"skipped"`
	StoreErrors   int64 `json:"store_errors"`
	ActiveWindows int   `json:"active_windows"` // 存储不支持时为 -1
}

// DefaultKeyFunc 依次取 X-Forwarded-For 第一项、X-Real-IP、RemoteAddr 的主机部分
func DefaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// SkipPaths 按 URL 路径跳过限流
func SkipPaths(paths ...string) SkipFunc {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

// counter 两种限流器共享的计数逻辑
type counter struct {
	store  WindowStore
	window time.Duration
	clock  clock.Clock
	logger *logrus.Entry

	checked     atomic.Int64
	limited     atomic.Int64
	skipped     atomic.Int64
	storeErrors atomic.Int64
}

func newCounter(store WindowStore, window time.Duration, clk clock.Clock, log *logrus.Entry) *counter {
	clk = clock.OrDefault(clk)
	log = logger.OrComponent(log, "ratelimit")
	if store == nil {
		store = NewMemoryStore(clk, 0, log)
	}
	return &counter{store: store, window: window, clock: clk, logger: log}
}

// hit 对 key 计数并与 limit 比较
func (c *counter) hit(ctx context.Context, key string, limit int) Result {
	c.checked.Add(1)

	count, resetAt, err := c.store.Increment(ctx, key, c.window)
	now := c.clock.Now()
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("rate limit store failed, allowing request")
		return Result{Key: key, Limit: limit, Remaining: limit, ResetAt: now.Add(c.window)}
	}

	res := Result{
		Key:       key,
		Count:     count,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
		Limited:   count > limit,
	}
	if res.Limited {
		res.RetryAfter = resetAt.Sub(now)
		c.limited.Add(1)
		c.logger.WithFields(logrus.Fields{
			"key":         key,
			"count":       count,
			"limit":       limit,
			"retry_after": res.RetryAfter,
		}).Info("rate limit exceeded")
	}
	return res
}

func (c *counter) skip(key string, limit int) Result {
	c.skipped.Add(1)
	return Result{Key: key, Limit: limit, Remaining: limit, Skipped: true}
}

func (c *counter) stats() Stats {
	s := Stats{
		Checked:       c.checked.Load(),
		Limited:       c.limited.Load(),
		Skipped:       c.skipped.Load(),
		StoreErrors:   c.storeErrors.Load(),
		ActiveWindows: -1,
	}
	if l, ok := c.store.(interface{ Len() int }); ok {
		s.ActiveWindows = l.Len()
	}
	return s
}

// Limiter 按客户端的固定窗口限流器
type Limiter struct {
	*counter
	config Config
}

// New 创建限流器，store 为空时使用不带后台清理的内存存储
func New(config Config, store WindowStore, clk clock.Clock, log *logrus.Entry) *Limiter {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultKeyFunc
	}
	return &Limiter{
		counter: newCounter(store, config.Window, clk, log),
		config:  config,
	}
}

// Check 对请求计数并返回结果
func (l *Limiter) Check(r *http.Request) Result {
	key := l.config.KeyFunc(r)
	if l.config.SkipFunc != nil && l.config.SkipFunc(r) {
		return l.skip(key, l.config.MaxRequests)
	}
	return l.hit(r.Context(), key, l.config.MaxRequests)
}

// Sweep 清理过期窗口
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx)
}

// Stats 返回统计信息
func (l *Limiter) Stats() Stats {
	return l.stats()
}

// Close 关闭底层存储
func (l *Limiter) Close() error {
	return l.store.Close()
}
