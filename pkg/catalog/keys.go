package catalog

import (
	"net/url"

	"vocabquiz/pkg/core"
)

// 缓存键前缀，同一前缀的键构成一个失效类别
const (
	KeyAllWords     = "words:all"
	KeyWordPrefix   = "words:id:"
	KeyFilterPrefix = "words:filter:"
	KeyCategories   = "meta:categories"
	KeyDifficulties = "meta:difficulties"
	KeyCountAll     = "count:all"
	KeyCountPrefix  = "count:filter:"

	wordsClassPrefix = "words:"
	countClassPrefix = "count:"
)

// CanonicalFilter 返回过滤条件的规范形式：相同语义的过滤条件得到相同的字符串。
// 空过滤条件返回空串。
func CanonicalFilter(f core.WordFilter) string {
	f = f.Normalized()
	values := url.Values{}
	if f.Category != "" {
		values.Set("category", f.Category)
	}
	if f.Difficulty != "" {
		values.Set("difficulty", f.Difficulty)
	}
	if f.Search != "" {
		values.Set("search", f.Search)
	}
	// Encode 按键排序，保证输出确定
	return values.Encode()
}

// FilterKey 返回 FindByFilter 的缓存键，空过滤条件复用全量列表的键
func FilterKey(f core.WordFilter) string {
	canonical := CanonicalFilter(f)
	if canonical == "" {
		return KeyAllWords
	}
	return KeyFilterPrefix + canonical
}

// CountKey 返回 Count 的缓存键，空过滤条件复用总数的键
func CountKey(f *core.WordFilter) string {
	if f == nil {
		return KeyCountAll
	}
	canonical := CanonicalFilter(*f)
	if canonical == "" {
		return KeyCountAll
	}
	return KeyCountPrefix + canonical
}

// WordKey 返回 FindByID 的缓存键
func WordKey(id string) string {
	return KeyWordPrefix + id
}
