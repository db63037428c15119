// Package scheduler 按 cron 表达式周期执行维护任务：会话清理、限流窗口清理、缓存预热和统计导出。
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string                 `yaml:"name" json:"name" mapstructure:"name"`
	Enabled  bool                   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Schedule string                 `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
	Task     string                 `yaml:"task" json:"task" mapstructure:"task"` // 已注册的任务类型
	Params   map[string]interface{} `yaml:"params" json:"params" mapstructure:"params"`
}

// JobsConfig 定义整个任务配置文件结构
type JobsConfig struct {
	Jobs []JobConfig `yaml:"jobs" json:"jobs" mapstructure:"jobs"`
}

// Job 表示一个已调度的任务
type Job struct {
	ID         string       `json:"id"`
	Config     JobConfig    `json:"config"`
	EntryID    cron.EntryID `json:"-"`
	Status     JobStatus    `json:"status"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_run,omitempty"`
	RunCount   int64        `json:"run_count"`
	ErrorCount int64        `json:"error_count"`
	LastError  error        `json:"-"`
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}
