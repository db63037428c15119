package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/core"
)

func loadTestRepository(t *testing.T) *MemoryRepository {
	t.Helper()
	repo, err := LoadFile(filepath.Join("testdata", "words.json"))
	require.NoError(t, err)
	return repo
}

func TestLoadFile(t *testing.T) {
	repo := loadTestRepository(t)
	ctx := context.Background()

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	// 返回的是副本，修改不影响词库
	all[0].Term = "changed"
	w, err := repo.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "apple", w.Term)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "missing.json"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"words": [{"id": "a"}, {"id": "a"}]}`), 0o644))
	_, err = LoadFile(bad)
	assert.True(t, core.HasCode(err, core.ErrInvalidArgument))
}

func TestFindByID_NotFound(t *testing.T) {
	repo := loadTestRepository(t)

	_, err := repo.FindByID(context.Background(), "nope")
	assert.True(t, core.HasCode(err, core.ErrWordNotFound))
}

func TestFindByFilter(t *testing.T) {
	repo := loadTestRepository(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter core.WordFilter
		want   []string
	}{
		{"分类过滤", core.WordFilter{Category: "food"}, []string{"w1", "w2", "w3"}},
		{"分类不区分大小写", core.WordFilter{Category: "ANIMALS"}, []string{"w4", "w5"}},
		{"分类加难度", core.WordFilter{Category: "food", Difficulty: "easy"}, []string{"w1", "w2"}},
		{"关键字匹配译文", core.WordFilter{Search: "que"}, []string{"w3"}},
		{"无匹配", core.WordFilter{Category: "colors"}, []string{}},
		{"忽略首尾空白", core.WordFilter{Category: " food ", Difficulty: "EASY "}, []string{"w1", "w2"}},
		{"空白条件等同不过滤", core.WordFilter{Category: "   "}, []string{"w1", "w2", "w3", "w4", "w5", "w6"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := repo.FindByFilter(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(words))
			for _, w := range words {
				ids = append(ids, w.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListsAndCount(t *testing.T) {
	repo := loadTestRepository(t)
	ctx := context.Background()

	cats, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"animals", "food", "places"}, cats)

	diffs, err := repo.ListDifficulties(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"easy", "hard", "medium"}, diffs)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = repo.Count(ctx, &core.WordFilter{Difficulty: "easy"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCanceledContext(t *testing.T) {
	repo := loadTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.FindAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
