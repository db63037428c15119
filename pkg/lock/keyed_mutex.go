// Package lock 提供按键互斥的锁：同一个键同一时刻最多一个持有者，等待有超时上限，
// 不同键之间互不阻塞。
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// Locker 按键加锁的通用接口，进程内实现与 Redis 实现可互换
type Locker interface {
	// Acquire 在 timeout 内尝试获得 key 的独占权。
	// 成功时返回一次性的 release；失败时 acquired 为 false，release 为空操作。
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), acquired bool)
}

// KeyedMutex 进程内按键互斥锁。
// 每个被持有的键对应一个通道，持有者释放时关闭通道唤醒全部等待者，
// 由等待者重新竞争；不保证先来先得。
type KeyedMutex struct {
	mu      sync.Mutex
	holders map[string]chan struct{}
	logger  *logrus.Entry
}

// NewKeyedMutex 创建按键互斥锁
func NewKeyedMutex(log *logrus.Entry) *KeyedMutex {
	return &KeyedMutex{
		holders: make(map[string]chan struct{}),
		logger:  logger.OrComponent(log, "lock"),
	}
}

// Acquire 实现 Locker 接口
func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		released, held := m.holders[key]
		if !held {
			done := make(chan struct{})
			m.holders[key] = done
			m.mu.Unlock()
			return m.releaser(key, done), true
		}
		m.mu.Unlock()

		select {
		case <-released:
			// 持有者已释放，回到循环顶部重新竞争
		case <-timer.C:
			m.logger.WithField("key", key).Debug("lock wait timed out")
			return func() {}, false
		case <-ctx.Done():
			return func() {}, false
		}
	}
}

// releaser 生成只生效一次的释放函数
func (m *KeyedMutex) releaser(key string, done chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.holders[key] == done {
				delete(m.holders, key)
			}
			m.mu.Unlock()
			close(done)
		})
	}
}

// Held 返回当前被持有的键数量
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holders)
}

// IsHeld 判断 key 当前是否被持有
func (m *KeyedMutex) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holders[key]
	return ok
}

// WithLock 获得 key 的锁后执行 fn，并在任何退出路径（包括 panic）上释放锁。
// 未能在 timeout 内获得锁时返回 ErrLockNotAcquired，且不会调用 fn。
func WithLock[T any](ctx context.Context, l Locker, key string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	release, ok := l.Acquire(ctx, key, timeout)
	if !ok {
		return zero, core.NewQuizError(core.ErrLockNotAcquired, "lock not acquired, try again").
			WithContext("key", key).
			WithContext("timeout", timeout.String())
	}
	defer release()

	return fn(ctx)
}

// Do 是 WithLock 的无返回值版本
func Do(ctx context.Context, l Locker, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := WithLock(ctx, l, key, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

var _ Locker = (*KeyedMutex)(nil)
