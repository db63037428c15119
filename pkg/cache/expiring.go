package cache

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/logger"
)

// Config 缓存配置
type Config struct {
	TTL             time.Duration // 条目生存时间
	MaxSize         int           // 最大条目数，<=0 表示不限制
	StatsEnabled    bool          // 是否统计命中/未命中/淘汰
	CleanupInterval time.Duration // 后台清理过期条目的间隔，<=0 表示只做惰性过期
}

// entry 缓存条目，elem 指向插入顺序队列中的位置
type entry[V any] struct {
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// ExpiringCache 线程安全的通读缓存。
// 容量满时按插入顺序淘汰最早插入的条目，这是对 LRU 的有意简化，读操作不改变淘汰顺序。
type ExpiringCache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // 队首为最早插入的键
	config  Config
	clock   clock.Clock
	group   singleflight.Group
	logger  *logrus.Entry

	// generation 每次失效操作递增，失效之前开始的 compute 结果不再写入
	generation uint64

	hitCount      int64
	missCount     int64
	evictionCount int64
	lastCleanup   time.Time

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New 创建缓存，clk 为 nil 时使用系统时钟
func New[V any](config Config, clk clock.Clock, log *logrus.Entry) *ExpiringCache[V] {
	c := &ExpiringCache[V]{
		entries:     make(map[string]*entry[V]),
		order:       list.New(),
		config:      config,
		clock:       clock.OrDefault(clk),
		logger:      logger.OrComponent(log, "cache"),
		stopCleanup: make(chan struct{}),
	}
	c.lastCleanup = c.clock.Now()

	if config.CleanupInterval > 0 {
		go c.startCleanup(config.CleanupInterval)
	}
	return c
}

// GetOrCompute 命中时直接返回缓存值；否则调用 compute 并以新的过期时间写入缓存。
// compute 的错误原样返回且不会被缓存。同一个键的并发未命中只会调用一次 compute；
// compute 执行期间发生失效时，结果返回给调用方但不写入缓存。
func (c *ExpiringCache[V]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	gen := c.currentGeneration()
	// 失效后到达的调用不会并入失效前开始的 compute
	flightKey := strconv.FormatUint(gen, 10) + "\x00" + key
	result, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		// 等待 singleflight 期间可能已有其他调用写入
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.setIfGeneration(key, v, gen)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := result.(V)
	return v, nil
}

// Get 查询缓存，过期条目视为不存在并被立即删除
func (c *ExpiringCache[V]) Get(key string) (V, bool) {
	v, ok := c.peek(key)
	if ok {
		c.count(&c.hitCount)
	} else {
		c.count(&c.missCount)
	}
	return v, ok
}

// peek 查询但不计入统计
func (c *ExpiringCache[V]) peek(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return zero, false
	}
	if now.After(e.expiresAt) {
		c.removeLocked(key, e)
		return zero, false
	}
	return e.value, true
}

func (c *ExpiringCache[V]) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// setIfGeneration 仅当期间没有发生失效时写入
func (c *ExpiringCache[V]) setIfGeneration(key string, value V, gen uint64) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		c.logger.WithField("key", key).Debug("discarding value computed before invalidation")
		return
	}
	c.setLocked(key, value, now)
}

// Set 写入缓存。已存在的键被视为重新插入，排到淘汰队列末尾。
func (c *ExpiringCache[V]) Set(key string, value V) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, now)
}

func (c *ExpiringCache[V]) setLocked(key string, value V, now time.Time) {
	if old, exists := c.entries[key]; exists {
		c.removeLocked(key, old)
	}

	if c.config.MaxSize > 0 {
		for len(c.entries) >= c.config.MaxSize {
			c.evictOldestLocked()
		}
	}

	e := &entry[V]{
		value:     value,
		expiresAt: now.Add(c.config.TTL),
	}
	e.elem = c.order.PushBack(key)
	c.entries[key] = e
}

// evictOldestLocked 淘汰插入时间最早的条目（需要持有锁）
func (c *ExpiringCache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	} else {
		c.order.Remove(front)
	}
	c.count(&c.evictionCount)
	c.logger.WithField("key", key).Debug("cache entry evicted")
}

// removeLocked 删除条目（需要持有锁）
func (c *ExpiringCache[V]) removeLocked(key string, e *entry[V]) {
	c.order.Remove(e.elem)
	delete(c.entries, key)
}

// Invalidate 删除单个键，返回键是否存在
func (c *ExpiringCache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(key, e)
	}
	return ok
}

// InvalidateAll 清空缓存，统计计数保留
func (c *ExpiringCache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.entries = make(map[string]*entry[V])
	c.order.Init()
}

// InvalidateWhere 删除所有满足 match 的键，返回删除数量
func (c *ExpiringCache[V]) InvalidateWhere(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	removed := 0
	for key, e := range c.entries {
		if match(key) {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// InvalidatePrefix 删除所有以 prefix 开头的键
func (c *ExpiringCache[V]) InvalidatePrefix(prefix string) int {
	return c.InvalidateWhere(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// PurgeExpired 清理已过期但仍占用空间的条目，返回清理数量
func (c *ExpiringCache[V]) PurgeExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(key, e)
			removed++
		}
	}
	c.lastCleanup = now
	return removed
}

// Len 返回当前存储的条目数
func (c *ExpiringCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys 返回按插入顺序排列的键
func (c *ExpiringCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Stats 获取缓存统计信息
func (c *ExpiringCache[V]) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	lastCleanup := c.lastCleanup
	c.mu.Unlock()

	hits := atomic.LoadInt64(&c.hitCount)
	misses := atomic.LoadInt64(&c.missCount)
	rate, percent := FormatHitRate(hits, misses)

	return Stats{
		Size:           size,
		MaxSize:        c.config.MaxSize,
		HitCount:       hits,
		MissCount:      misses,
		EvictionCount:  atomic.LoadInt64(&c.evictionCount),
		HitRate:        rate,
		HitRatePercent: percent,
		TTL:            c.config.TTL,
		StatsEnabled:   c.config.StatsEnabled,
		LastCleanup:    lastCleanup,
	}
}

// ResetStats 将命中、未命中和淘汰计数归零
func (c *ExpiringCache[V]) ResetStats() {
	atomic.StoreInt64(&c.hitCount, 0)
	atomic.StoreInt64(&c.missCount, 0)
	atomic.StoreInt64(&c.evictionCount, 0)
}

// Close 停止后台清理协程
func (c *ExpiringCache[V]) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

func (c *ExpiringCache[V]) count(counter *int64) {
	if c.config.StatsEnabled {
		atomic.AddInt64(counter, 1)
	}
}

// startCleanup 后台定期清理过期条目
func (c *ExpiringCache[V]) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.WithField("removed", n).Debug("expired cache entries purged")
			}
		case <-c.stopCleanup:
			return
		}
	}
}
