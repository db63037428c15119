// Package repository 提供词库的只读数据源实现：基于 JSON 文件的内存词库，
// 以及为其加上熔断保护的装饰器。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"vocabquiz/pkg/core"
)

// wordFile JSON 词库文件结构
type wordFile struct {
	Words []core.Word `json:"words"`
}

// MemoryRepository 只读内存词库，加载后不再修改，可并发读取
type MemoryRepository struct {
	words []core.Word
	byID  map[string]int
}

// NewMemoryRepository 用给定词条创建词库，ID 重复或为空时返回错误
func NewMemoryRepository(words []core.Word) (*MemoryRepository, error) {
	r := &MemoryRepository{
		words: make([]core.Word, 0, len(words)),
		byID:  make(map[string]int, len(words)),
	}
	for _, w := range words {
		if w.ID == "" {
			return nil, core.NewQuizError(core.ErrInvalidArgument, "word id cannot be empty").
				WithContext("term", w.Term)
		}
		if _, dup := r.byID[w.ID]; dup {
			return nil, core.NewQuizError(core.ErrInvalidArgument, "duplicate word id").
				WithContext("id", w.ID)
		}
		r.byID[w.ID] = len(r.words)
		r.words = append(r.words, w)
	}
	return r, nil
}

// LoadFile 从 JSON 文件加载词库
func LoadFile(path string) (*MemoryRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取词库文件失败: %w", err)
	}

	var file wordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析词库文件失败: %w", err)
	}
	return NewMemoryRepository(file.Words)
}

// FindAll 返回全部词条的副本
func (r *MemoryRepository) FindAll(ctx context.Context) ([]core.Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]core.Word, len(r.words))
	copy(out, r.words)
	return out, nil
}

// FindByID 按 ID 查询
func (r *MemoryRepository) FindByID(ctx context.Context, id string) (core.Word, error) {
	if err := ctx.Err(); err != nil {
		return core.Word{}, err
	}
	idx, ok := r.byID[id]
	if !ok {
		return core.Word{}, core.NewQuizError(core.ErrWordNotFound, "word not found").WithContext("id", id)
	}
	return r.words[idx], nil
}

// FindByFilter 按分类、难度（不区分大小写）和关键字过滤
func (r *MemoryRepository) FindByFilter(ctx context.Context, filter core.WordFilter) ([]core.Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter = filter.Normalized()
	out := make([]core.Word, 0)
	for _, w := range r.words {
		if matches(w, filter) {
			out = append(out, w)
		}
	}
	return out, nil
}

// ListCategories 返回排序后的分类列表
func (r *MemoryRepository) ListCategories(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, func(w core.Word) string { return w.Category })
}

// ListDifficulties 返回排序后的难度列表
func (r *MemoryRepository) ListDifficulties(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, func(w core.Word) string { return w.Difficulty })
}

// Count 统计满足条件的词条数量
func (r *MemoryRepository) Count(ctx context.Context, filter *core.WordFilter) (int, error) {
	if filter.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return len(r.words), nil
	}
	words, err := r.FindByFilter(ctx, *filter)
	if err != nil {
		return 0, err
	}
	return len(words), nil
}

func (r *MemoryRepository) distinct(ctx context.Context, field func(core.Word) string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, w := range r.words {
		v := field(w)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

// matches 要求 f 已经规范化，词条字段在比较前做同样处理
func matches(w core.Word, f core.WordFilter) bool {
	if f.Category != "" && core.NormalizeValue(w.Category) != f.Category {
		return false
	}
	if f.Difficulty != "" && core.NormalizeValue(w.Difficulty) != f.Difficulty {
		return false
	}
	if f.Search != "" {
		if !strings.Contains(core.NormalizeValue(w.Term), f.Search) &&
			!strings.Contains(core.NormalizeValue(w.Translation), f.Search) {
			return false
		}
	}
	return true
}

var _ core.WordRepository = (*MemoryRepository)(nil)
