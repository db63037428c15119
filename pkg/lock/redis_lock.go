package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/logger"
)

// releaseScript 仅当锁仍由本持有者持有时才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig Redis 锁配置
type RedisLockerConfig struct {
	KeyPrefix    string        // 锁键前缀
	LeaseTTL     time.Duration // 锁租约，防止持有者崩溃后永久占用
	PollInterval time.Duration // 等待时的轮询间隔
}

// RedisLocker 基于 SET NX PX 的多实例按键锁。
// Redis 不提供释放通知，等待方按 PollInterval 轮询。
type RedisLocker struct {
	client redis.UniversalClient
	config RedisLockerConfig
	logger *logrus.Entry
}

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(client redis.UniversalClient, config RedisLockerConfig, log *logrus.Entry) *RedisLocker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "quiz"
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		config: config,
		logger: logger.OrComponent(log, "lock"),
	}
}

func (r *RedisLocker) lockKey(key string) string {
	return r.config.KeyPrefix + ":lock:" + key
}

// Acquire 实现 Locker 接口。Redis 出错视为未获得锁。
func (r *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), bool) {
	token := uuid.NewString()
	lockKey := r.lockKey(key)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.config.LeaseTTL).Result()
		if err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("redis lock acquire failed")
			return func() {}, false
		}
		if ok {
			return r.releaser(lockKey, token), true
		}

		if !time.Now().Before(deadline) {
			r.logger.WithField("key", key).Debug("lock wait timed out")
			return func() {}, false
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return func() {}, false
		}
	}
}

func (r *RedisLocker) releaser(lockKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// 使用独立 context，调用方 context 取消后仍需释放
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
				r.logger.WithError(err).WithField("lock_key", lockKey).Warn("redis lock release failed, lease will expire")
			}
		})
	}
}

var _ Locker = (*RedisLocker)(nil)
