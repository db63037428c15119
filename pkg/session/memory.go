package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// mutator 会话副本上的纯内存修改，两种存储共用
type mutator struct {
	clock clock.Clock
}

// MarkUsed 实现 Store
func (m mutator) MarkUsed(s *Session, wordID string) {
	s.UsedWordIDs[wordID] = struct{}{}
	s.touch(m.clock.Now())
}

// ResetUsed 实现 Store
func (m mutator) ResetUsed(s *Session, wordIDs []string) {
	for _, id := range wordIDs {
		delete(s.UsedWordIDs, id)
	}
	s.touch(m.clock.Now())
}

// ResetAll 实现 Store
func (m mutator) ResetAll(s *Session) {
	s.UsedWordIDs = make(map[string]struct{})
	s.touch(m.clock.Now())
}

// MemoryStore 进程内会话存储
type MemoryStore struct {
	mutator

	mu       sync.Mutex
	sessions map[string]*Session
	inserted map[string]uint64 // 插入序号，访问时间相同时先插入的先淘汰
	nextSeq  uint64
	config   Config
	logger   *logrus.Entry

	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore 创建内存会话存储，SweepInterval>0 时启动后台清理协程
func NewMemoryStore(config Config, clk clock.Clock, log *logrus.Entry) *MemoryStore {
	s := &MemoryStore{
		mutator:   mutator{clock: clock.OrDefault(clk)},
		sessions:  make(map[string]*Session),
		inserted:  make(map[string]uint64),
		config:    config,
		logger:    logger.OrComponent(log, "session"),
		stopSweep: make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go s.startSweep(config.SweepInterval)
	}
	return s
}

// FindByID 实现 Store
func (s *MemoryStore) FindByID(ctx context.Context, key string) (*Session, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.liveLocked(key, now)
	if !ok {
		return nil, core.NewQuizError(core.ErrSessionNotFound, "session not found").WithContext("key", key)
	}
	sess.touch(now)
	return sess.Clone(), nil
}

// FindOrCreate 实现 Store
func (s *MemoryStore) FindOrCreate(ctx context.Context, key string) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.liveLocked(key, now); ok {
		sess.touch(now)
		return sess.Clone(), nil
	}

	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		s.evictOldestLocked()
	}

	sess := newSession(key, now)
	s.putLocked(key, sess)
	return sess.Clone(), nil
}

// liveLocked 返回未过期的会话，过期会话被顺手删除（需要持有锁）
func (s *MemoryStore) liveLocked(key string, now time.Time) (*Session, bool) {
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	if sess.expired(now, s.config.TTL) {
		s.removeLocked(key)
		return nil, false
	}
	return sess, true
}

func (s *MemoryStore) putLocked(key string, sess *Session) {
	if _, ok := s.inserted[key]; !ok {
		s.nextSeq++
		s.inserted[key] = s.nextSeq
	}
	s.sessions[key] = sess
}

func (s *MemoryStore) removeLocked(key string) {
	delete(s.sessions, key)
	delete(s.inserted, key)
}

// evictOldestLocked 淘汰最后访问时间最早的会话，时间相同时淘汰最先插入的（需要持有锁）
func (s *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq uint64

	for key, sess := range s.sessions {
		seq := s.inserted[key]
		if oldestKey == "" || sess.LastAccessedAt.Before(oldestTime) ||
			(sess.LastAccessedAt.Equal(oldestTime) && seq < oldestSeq) {
			oldestKey = key
			oldestTime = sess.LastAccessedAt
			oldestSeq = seq
		}
	}

	if oldestKey != "" {
		s.removeLocked(oldestKey)
		s.logger.WithField("key", oldestKey).Debug("session evicted at capacity")
	}
}

// Save 实现 Store
func (s *MemoryStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return core.NewQuizError(core.ErrInvalidArgument, "session cannot be nil")
	}
	if err := ValidateKey(sess.Key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.Key]; !exists && s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		s.evictOldestLocked()
	}
	s.putLocked(sess.Key, sess.Clone())
	return nil
}

// DeleteExpired 实现 Store
func (s *MemoryStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.config.TTL
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if sess.expired(now, maxAge) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed, nil
}

// Delete 实现 Store
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[key]
	s.removeLocked(key)
	return ok, nil
}

// Exists 实现 Store，不刷新访问时间
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.liveLocked(key, now)
	return ok, nil
}

// Count 实现 Store
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}

// Close 停止后台清理
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}

// startSweep 后台定期清理过期会话，Close 后退出，不会阻止进程退出
func (s *MemoryStore) startSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, _ := s.DeleteExpired(context.Background(), 0)
			if n > 0 {
				s.logger.WithField("removed", n).Info("expired sessions swept")
			}
		case <-s.stopSweep:
			return
		}
	}
}

var _ Store = (*MemoryStore)(nil)
