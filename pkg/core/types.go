// Package core 定义了测验服务的核心数据结构、错误类型和外部协作者接口。
// 这些类型为 cache、session、ratelimit 等子包提供统一的抽象和交互契约。
package core

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Word 词库中的单个词条
type Word struct {
	ID          string `json:"id"`          // 词条唯一标识
	Term        string `json:"term"`        // 原文
	Translation string `json:"translation"` // 译文
	Category    string `json:"category"`    // 分类，如 animals、food
	Difficulty  string `json:"difficulty"`  // 难度，如 easy、medium、hard
}

// WordFilter 单词查询过滤条件，零值表示不过滤
type WordFilter struct {
	Category   string `json:"category,omitempty" form:"category"`
	Difficulty string `json:"difficulty,omitempty" form:"difficulty"`
	Search     string `json:"search,omitempty" form:"search"` // 原文或译文包含的子串
}

// IsEmpty 判断过滤条件是否为空（等价于全量查询）
func (f *WordFilter) IsEmpty() bool {
	return f == nil || (f.Category == "" && f.Difficulty == "" && f.Search == "")
}

// NormalizeValue 去除首尾空白、Unicode NFC 规范化并做完整大小写折叠。
// 词库匹配与缓存键共用这一规则，两者对同一输入的判断因此一致。
func NormalizeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return norm.NFC.String(cases.Fold().String(norm.NFC.String(s)))
}

// Normalized 返回各字段经 NormalizeValue 处理后的过滤条件
func (f WordFilter) Normalized() WordFilter {
	return WordFilter{
		Category:   NormalizeValue(f.Category),
		Difficulty: NormalizeValue(f.Difficulty),
		Search:     NormalizeValue(f.Search),
	}
}

// WordRepository 词库的只读访问接口。
// 实现必须是幂等且无副作用的，并按 NormalizeValue 比较过滤字段，
// 缓存层依赖这两点。
type WordRepository interface {
	// FindAll 返回全部词条
	FindAll(ctx context.Context) ([]Word, error)
	// FindByID 按 ID 查询词条，不存在时返回 ErrWordNotFound
	FindByID(ctx context.Context, id string) (Word, error)
	// FindByFilter 按过滤条件查询词条
	FindByFilter(ctx context.Context, filter WordFilter) ([]Word, error)
	// ListCategories 返回去重后的分类列表
	ListCategories(ctx context.Context) ([]string, error)
	// ListDifficulties 返回去重后的难度列表
	ListDifficulties(ctx context.Context) ([]string, error)
	// Count 返回满足过滤条件的词条数量，filter 为 nil 时统计全部
	Count(ctx context.Context, filter *WordFilter) (int, error)
}
