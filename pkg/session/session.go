// Package session 维护每个用户的测验进度（已出过的单词），
// 支持 TTL 过期、容量淘汰和后台清理。
package session

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"vocabquiz/pkg/core"
)

// MaxKeyLength 会话键最大长度
const MaxKeyLength = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// Session 单个用户的测验进度。存储层对外只返回副本。
type Session struct {
	Key            string              `json:"key"`
	UsedWordIDs    map[string]struct{} `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
}

// sessionJSON 序列化格式，集合以有序数组存储
type sessionJSON struct {
	Key            string    `json:"key"`
	UsedWordIDs    []string  `json:"used_word_ids"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// newSession 创建一个新会话
func newSession(key string, now time.Time) *Session {
	return &Session{
		Key:            key,
		UsedWordIDs:    make(map[string]struct{}),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// Clone 深拷贝
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	used := make(map[string]struct{}, len(s.UsedWordIDs))
	for id := range s.UsedWordIDs {
		used[id] = struct{}{}
	}
	return &Session{
		Key:            s.Key,
		UsedWordIDs:    used,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
	}
}

// IsUsed 判断单词是否已出过
func (s *Session) IsUsed(id string) bool {
	_, ok := s.UsedWordIDs[id]
	return ok
}

// UsedIDs 返回排序后的已用单词 ID
func (s *Session) UsedIDs() []string {
	ids := make([]string, 0, len(s.UsedWordIDs))
	for id := range s.UsedWordIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UsedCount 已用单词数量
func (s *Session) UsedCount() int {
	return len(s.UsedWordIDs)
}

// touch 更新最后访问时间，保证不早于创建时间
func (s *Session) touch(now time.Time) {
	if now.Before(s.CreatedAt) {
		now = s.CreatedAt
	}
	s.LastAccessedAt = now
}

// expired 判断会话按最后访问时间是否已超过 ttl
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastAccessedAt) > ttl
}

func (s *Session) toJSON() sessionJSON {
	return sessionJSON{
		Key:            s.Key,
		UsedWordIDs:    s.UsedIDs(),
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
	}
}

func (j sessionJSON) toSession() *Session {
	s := &Session{
		Key:            j.Key,
		UsedWordIDs:    make(map[string]struct{}, len(j.UsedWordIDs)),
		CreatedAt:      j.CreatedAt,
		LastAccessedAt: j.LastAccessedAt,
	}
	for _, id := range j.UsedWordIDs {
		s.UsedWordIDs[id] = struct{}{}
	}
	return s
}

// ValidateKey 校验会话键：非空、不超过 MaxKeyLength、仅包含字母数字和 ._:-
func ValidateKey(key string) error {
	if key == "" {
		return core.NewQuizError(core.ErrInvalidSessionKey, "session key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return core.NewQuizError(core.ErrInvalidSessionKey, "session key too long").
			WithContext("max_length", MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return core.NewQuizError(core.ErrInvalidSessionKey, "session key contains invalid characters")
	}
	return nil
}

// NewKey 生成新的会话键
func NewKey() string {
	return uuid.NewString()
}

// Store 会话存储接口。
// 单个方法各自是原子的；跨多个调用的“读-改-写”需要调用方用按键锁包裹。
type Store interface {
	// FindByID 查询会话，不存在或已过期时返回 ErrSessionNotFound；命中会刷新访问时间
	FindByID(ctx context.Context, key string) (*Session, error)
	// FindOrCreate 返回已有会话（刷新访问时间），不存在或已过期时新建
	FindOrCreate(ctx context.Context, key string) (*Session, error)
	// MarkUsed 在会话副本上标记单词已用，需调用 Save 持久化
	MarkUsed(s *Session, wordID string)
	// ResetUsed 在会话副本上取消指定单词的已用标记
	ResetUsed(s *Session, wordIDs []string)
	// ResetAll 在会话副本上清空全部已用标记
	ResetAll(s *Session)
	// Save 按键写入会话
	Save(ctx context.Context, s *Session) error
	// DeleteExpired 删除超过 maxAge 未访问的会话，maxAge<=0 时使用配置的 TTL
	DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error)
	// Delete 删除会话，返回会话是否存在
	Delete(ctx context.Context, key string) (bool, error)
	// Exists 判断会话是否存在且未过期
	Exists(ctx context.Context, key string) (bool, error)
	// Count 当前会话数量
	Count(ctx context.Context) (int, error)
	// Close 停止后台任务并释放资源
	Close() error
}

// Config 会话存储配置
type Config struct {
	TTL           time.Duration // 最后访问后多久过期
	MaxSessions   int           // 最大会话数，<=0 表示不限制
	SweepInterval time.Duration // 后台清理间隔，<=0 表示不启动后台清理
}
