package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// RedisStore 多实例共享的会话存储。
// 会话以 JSON 存放在 <prefix>:session:<key>，过期时间等于 TTL；
// 有序集合 <prefix>:sessions 以最后访问时间（毫秒）为分数，用于计数、清理和容量淘汰。
type RedisStore struct {
	mutator

	client    redis.UniversalClient
	config    Config
	keyPrefix string
	logger    *logrus.Entry

	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewRedisStore 创建 Redis 会话存储
func NewRedisStore(client redis.UniversalClient, keyPrefix string, config Config, clk clock.Clock, log *logrus.Entry) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "quiz"
	}
	s := &RedisStore{
		mutator:   mutator{clock: clock.OrDefault(clk)},
		client:    client,
		config:    config,
		keyPrefix: keyPrefix,
		logger:    logger.OrComponent(log, "session"),
		stopSweep: make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go s.startSweep(config.SweepInterval)
	}
	return s
}

func (s *RedisStore) sessionKey(key string) string {
	return s.keyPrefix + ":session:" + key
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + ":sessions"
}

func unavailable(err error) error {
	return core.WrapError(core.ErrStoreUnavailable, "session store unavailable", err)
}

// load 读取并解码会话，过期会话被删除并视为不存在
func (s *RedisStore) load(ctx context.Context, key string, now time.Time) (*Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.client.ZRem(ctx, s.indexKey(), key)
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var j sessionJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, core.WrapError(core.ErrInternalError, "corrupted session payload", err).WithContext("key", key)
	}
	sess := j.toSession()
	if sess.expired(now, s.config.TTL) {
		if _, err := s.deleteKeys(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

// write 写入会话并更新索引
func (s *RedisStore) write(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess.toJSON())
	if err != nil {
		return core.WrapError(core.ErrInternalError, "encode session", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.Key), payload, s.config.TTL)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(sess.LastAccessedAt.UnixMilli()),
			Member: sess.Key,
		})
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) deleteKeys(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	redisKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.sessionKey(k)
		members[i] = k
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisKeys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return del.Val(), nil
}

// FindByID 实现 Store
func (s *RedisStore) FindByID(ctx context.Context, key string) (*Session, error) {
	now := s.clock.Now()
	sess, err := s.load(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, core.NewQuizError(core.ErrSessionNotFound, "session not found").WithContext("key", key)
	}
	sess.touch(now)
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// FindOrCreate 实现 Store
func (s *RedisStore) FindOrCreate(ctx context.Context, key string) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	sess, err := s.load(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sess.touch(now)
	} else {
		if err := s.ensureCapacity(ctx); err != nil {
			return nil, err
		}
		sess = newSession(key, now)
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ensureCapacity 会话数达到上限时淘汰最后访问时间最早的会话
func (s *RedisStore) ensureCapacity(ctx context.Context) error {
	if s.config.MaxSessions <= 0 {
		return nil
	}
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return unavailable(err)
	}
	if n < int64(s.config.MaxSessions) {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, s.indexKey(), 0, n-int64(s.config.MaxSessions)).Result()
	if err != nil {
		return unavailable(err)
	}
	if _, err := s.deleteKeys(ctx, oldest...); err != nil {
		return err
	}
	s.logger.WithField("keys", oldest).Debug("sessions evicted at capacity")
	return nil
}

// Save 实现 Store
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return core.NewQuizError(core.ErrInvalidArgument, "session cannot be nil")
	}
	if err := ValidateKey(sess.Key); err != nil {
		return err
	}

	_, err := s.client.ZScore(ctx, s.indexKey(), sess.Key).Result()
	if errors.Is(err, redis.Nil) {
		if err := s.ensureCapacity(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return unavailable(err)
	}
	return s.write(ctx, sess)
}

// DeleteExpired 实现 Store
func (s *RedisStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.config.TTL
	}
	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()

	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if _, err := s.deleteKeys(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Delete 实现 Store
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.deleteKeys(ctx, key)
	return n > 0, err
}

// Exists 实现 Store，不刷新访问时间
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	sess, err := s.load(ctx, key, s.clock.Now())
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// Count 实现 Store，只统计 TTL 内访问过的会话
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.config.TTL).UnixMilli()
	n, err := s.client.ZCount(ctx, s.indexKey(), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// Close 停止后台清理，不关闭调用方传入的 Redis 客户端
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}

func (s *RedisStore) startSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := s.DeleteExpired(ctx, 0)
			cancel()
			if err != nil {
				s.logger.WithError(err).Warn("redis session sweep failed")
			} else if n > 0 {
				s.logger.WithField("removed", n).Info("expired sessions swept")
			}
		case <-s.stopSweep:
			return
		}
	}
}

var _ Store = (*RedisStore)(nil)
