// Package quiz 组合词库缓存、会话存储和按键锁，实现“抽取未出过的单词”。
package quiz

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/lock"
	"vocabquiz/pkg/logger"
	"vocabquiz/pkg/session"
)

// DefaultLockTimeout 获取会话锁的默认超时
const DefaultLockTimeout = 200 * time.Millisecond

// MaxBatchSize 单次最多抽取的单词数
const MaxBatchSize = 50

// Round 一次抽题的结果
type Round struct {
	SessionKey string      `json:"sessionKey"`
	Words      []core.Word `json:"words"`
	NewRound   bool        `json:"newRound"` // 候选池耗尽后重新开始
	Used       int         `json:"used"`
	Remaining  int         `json:"remaining"`
}

// Progress 会话在某个过滤条件下的进度
type Progress struct {
	SessionKey     string    `json:"sessionKey"`
	Used           int       `json:"used"`
	Total          int       `json:"total"`
	Remaining      int       `json:"remaining"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Options 服务选项
type Options struct {
	LockTimeout time.Duration
	Clock       clock.Clock
	Rand        *rand.Rand // 为空时使用随机种子
	Logger      *logrus.Entry
}

// Service 测验服务
type Service struct {
	catalog     core.WordRepository
	sessions    session.Store
	locker      lock.Locker
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *logrus.Entry

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewService 创建测验服务
func NewService(catalog core.WordRepository, sessions session.Store, locker lock.Locker, opts Options) *Service {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Service{
		catalog:     catalog,
		sessions:    sessions,
		locker:      locker,
		lockTimeout: opts.LockTimeout,
		clock:       clock.OrDefault(opts.Clock),
		logger:      logger.OrComponent(opts.Logger, "quiz"),
		rand:        opts.Rand,
	}
}

// NextWords 为会话抽取最多 n 个未出过的单词并标记为已用。
// 整个“读-改-写”在会话锁内完成；锁超时返回 ErrLockNotAcquired，调用方可稍后重试。
func (s *Service) NextWords(ctx context.Context, sessionKey string, filter core.WordFilter, n int) (*Round, error) {
	if n <= 0 || n > MaxBatchSize {
		return nil, core.NewQuizError(core.ErrInvalidArgument, "count out of range").
			WithContext("count", n).
			WithContext("max", MaxBatchSize)
	}
	if err := session.ValidateKey(sessionKey); err != nil {
		return nil, err
	}

	return lock.WithLock(ctx, s.locker, sessionKey, s.lockTimeout, func(ctx context.Context) (*Round, error) {
		sess, err := s.sessions.FindOrCreate(ctx, sessionKey)
		if err != nil {
			return nil, err
		}

		candidates, err := s.catalog.FindByFilter(ctx, filter)
		if err != nil {
			return nil, err
		}

		round := &Round{SessionKey: sessionKey}
		pool := unused(candidates, sess)
		if len(pool) == 0 && len(candidates) > 0 {
			// 候选池耗尽，清除本过滤条件下的已用标记，开始新一轮
			s.sessions.ResetUsed(sess, ids(candidates))
			pool = candidates
			round.NewRound = true
			s.logger.WithFields(logrus.Fields{
				"session": sessionKey,
				"pool":    len(candidates),
			}).Debug("word pool exhausted, starting new round")
		}

		round.Words = s.pick(pool, n)
		for _, w := range round.Words {
			s.sessions.MarkUsed(sess, w.ID)
		}
		if err := s.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}

		round.Used = countUsed(candidates, sess)
		round.Remaining = len(candidates) - round.Used
		return round, nil
	})
}

// ResetSession 清除会话的已用标记，ids 为空时清除全部
func (s *Service) ResetSession(ctx context.Context, sessionKey string, wordIDs []string) (*session.Session, error) {
	if err := session.ValidateKey(sessionKey); err != nil {
		return nil, err
	}
	return lock.WithLock(ctx, s.locker, sessionKey, s.lockTimeout, func(ctx context.Context) (*session.Session, error) {
		sess, err := s.sessions.FindByID(ctx, sessionKey)
		if err != nil {
			return nil, err
		}
		if len(wordIDs) == 0 {
			s.sessions.ResetAll(sess)
		} else {
			s.sessions.ResetUsed(sess, wordIDs)
		}
		if err := s.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	})
}

// Progress 查询会话在过滤条件下的进度，只读不加锁
func (s *Service) Progress(ctx context.Context, sessionKey string, filter core.WordFilter) (*Progress, error) {
	sess, err := s.sessions.FindByID(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	candidates, err := s.catalog.FindByFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	used := countUsed(candidates, sess)
	return &Progress{
		SessionKey:     sess.Key,
		Used:           used,
		Total:          len(candidates),
		Remaining:      len(candidates) - used,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
	}, nil
}

// pick 从候选中无放回随机抽取最多 n 个
func (s *Service) pick(pool []core.Word, n int) []core.Word {
	if n > len(pool) {
		n = len(pool)
	}
	shuffled := make([]core.Word, len(pool))
	copy(shuffled, pool)

	s.randMu.Lock()
	// 部分 Fisher-Yates，只需要前 n 个位置
	for i := 0; i < n; i++ {
		j := i + s.rand.IntN(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	s.randMu.Unlock()

	return shuffled[:n]
}

func unused(words []core.Word, sess *session.Session) []core.Word {
	out := make([]core.Word, 0, len(words))
	for _, w := range words {
		if !sess.IsUsed(w.ID) {
			out = append(out, w)
		}
	}
	return out
}

func countUsed(words []core.Word, sess *session.Session) int {
	n := 0
	for _, w := range words {
		if sess.IsUsed(w.ID) {
			n++
		}
	}
	return n
}

func ids(words []core.Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.ID
	}
	return out
}
