package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 测试默认配置是否正确
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.True(t, cfg.Cache.StatsEnabled)

	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 10000, cfg.Session.MaxSessions)
	assert.Equal(t, 200*time.Millisecond, cfg.Lock.Timeout)

	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"/health"}, cfg.RateLimit.SkipPaths)
	assert.Equal(t, 60, cfg.OperationLimit.QueryLimit)
	assert.Equal(t, 20, cfg.OperationLimit.MutationLimit)

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Logger.Level)
}

// TestValidate 测试配置验证功能
func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate(), "默认配置应该是有效的")

	cfg = Default()
	cfg.Cache.TTL = 0
	assert.Error(t, cfg.Validate(), "缓存TTL为0时应该返回错误")

	cfg = Default()
	cfg.Session.MaxSessions = 0
	assert.Error(t, cfg.Validate(), "最大会话数为0时应该返回错误")

	cfg = Default()
	cfg.Lock.Timeout = -time.Second
	assert.Error(t, cfg.Validate(), "锁超时为负数时应该返回错误")

	cfg = Default()
	cfg.RateLimit.MaxRequests = 0
	assert.Error(t, cfg.Validate(), "限流开启且配额为0时应该返回错误")
	cfg.RateLimit.Enabled = false
	assert.NoError(t, cfg.Validate(), "限流关闭时不校验配额")

	cfg = Default()
	cfg.OperationLimit.Overrides = map[string]int{"SubmitAnswer": 0}
	assert.Error(t, cfg.Validate(), "操作覆盖配额为0时应该返回错误")

	cfg = Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate(), "启用Redis但地址为空时应该返回错误")
}

// TestLoad_FileAndEnv 测试配置文件与环境变量的覆盖顺序
func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quiz_server.yaml")
	content := `
server:
  port: "9090"
cache:
  ttl: 30s
  max_size: 20
operation_limit:
  overrides:
    submitanswer: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("QUIZ_SESSION_MAX_SESSIONS", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 20, cfg.Cache.MaxSize)
	assert.Equal(t, 42, cfg.Session.MaxSessions)
	assert.Equal(t, 5, cfg.OperationLimit.Overrides["submitanswer"])
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
}

// TestLoad_InvalidFile 测试配置校验失败时返回错误
func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_size: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
