package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/logger"
)

// DefaultJobTimeout 单次任务执行超时
const DefaultJobTimeout = 5 * time.Minute

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler 基于 cron 的任务调度器
type Scheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	executor JobExecutor
	mu       sync.RWMutex
	logger   *logrus.Entry
	ctx      context.Context
	cancel   context.CancelFunc
	running  sync.WaitGroup
}

// NewScheduler 创建新的任务调度器
func NewScheduler(log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		jobs:   make(map[string]*Job),
		logger: logger.OrComponent(log, "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// LoadConfig 从配置文件加载任务配置，无效任务被跳过
func (s *Scheduler) LoadConfig(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return core.NewQuizError(core.ErrConfigInvalid, "job config file not found").WithContext("path", configPath)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return core.WrapError(core.ErrConfigInvalid, "read job config", err)
	}

	var config JobsConfig
	if err := v.Unmarshal(&config); err != nil {
		return core.WrapError(core.ErrConfigInvalid, "decode job config", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, jobConfig := range config.Jobs {
		if err := s.validateJobConfig(jobConfig); err != nil {
			s.logger.WithError(err).Warnf("跳过无效任务配置: %s", jobConfig.Name)
			continue
		}
		if err := s.addJobInternal(jobConfig); err != nil {
			s.logger.WithError(err).Errorf("添加任务失败: %s", jobConfig.Name)
			continue
		}
	}

	s.logger.Infof("成功加载 %d 个任务配置", len(s.jobs))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return core.NewQuizError(core.ErrConfigInvalid, "job executor not set")
	}

	s.cron.Start()
	s.updateNextRunTimes()
	s.logger.Info("任务调度器已启动")
	return nil
}

// Stop 停止调度器并等待运行中的任务结束，最多等待 timeout
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.cancel()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("任务调度器已停止")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("任务调度器停止超时")
		return core.NewQuizError(core.ErrInternalError, "scheduler stop timed out")
	}
}

// AddJob 添加任务
func (s *Scheduler) AddJob(config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateJobConfig(config); err != nil {
		return err
	}
	return s.addJobInternal(config)
}

// RemoveJob 移除任务
func (s *Scheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return jobNotFound(jobName)
	}

	s.cron.Remove(job.EntryID)
	delete(s.jobs, jobName)

	s.logger.Infof("任务已移除: %s", jobName)
	return nil
}

// GetJob 获取任务状态副本
func (s *Scheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, jobNotFound(jobName)
	}

	jobCopy := *job
	return &jobCopy, nil
}

// GetAllJobs 获取所有任务的状态副本
func (s *Scheduler) GetAllJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateNextRunTimes()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	return jobs
}

// RunJob 立即同步执行一次任务
func (s *Scheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return jobNotFound(jobName)
	}
	if !job.Config.Enabled {
		return core.NewQuizError(core.ErrInvalidArgument, "job disabled").WithContext("job", jobName)
	}
	return s.executeJob(job)
}

// SetExecutor 设置任务执行器
func (s *Scheduler) SetExecutor(executor JobExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

func jobNotFound(name string) error {
	return core.NewQuizError(core.ErrInvalidArgument, "job not found").WithContext("job", name)
}

// validateJobConfig 验证任务配置
func (s *Scheduler) validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return core.NewQuizError(core.ErrConfigInvalid, "job name cannot be empty")
	}
	if config.Schedule == "" {
		return core.NewQuizError(core.ErrConfigInvalid, "job schedule cannot be empty").WithContext("job", config.Name)
	}
	// 支持秒级调度和 @every 描述符
	if _, err := scheduleParser.Parse(config.Schedule); err != nil {
		return core.WrapError(core.ErrConfigInvalid, "invalid schedule expression", err).
			WithContext("job", config.Name).
			WithContext("schedule", config.Schedule)
	}
	if config.Task == "" {
		return core.NewQuizError(core.ErrConfigInvalid, "job task cannot be empty").WithContext("job", config.Name)
	}
	if registry, ok := s.executor.(interface{ Has(string) bool }); ok && !registry.Has(config.Task) {
		return core.NewQuizError(core.ErrConfigInvalid, "unknown job task").
			WithContext("job", config.Name).
			WithContext("task", config.Task)
	}
	return nil
}

// addJobInternal 内部添加任务方法（需要持有锁）
func (s *Scheduler) addJobInternal(config JobConfig) error {
	if _, exists := s.jobs[config.Name]; exists {
		return core.NewQuizError(core.ErrInvalidArgument, "job already exists").WithContext("job", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.logger.Infof("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		_ = s.executeJob(job)
	})
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, "add job to cron", err).WithContext("job", config.Name)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job

	s.logger.Infof("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// executeJob 执行任务，同一任务不会重叠执行
func (s *Scheduler) executeJob(job *Job) error {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		s.mu.Unlock()
		s.logger.Warnf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return nil
	}
	if s.executor == nil {
		s.mu.Unlock()
		return core.NewQuizError(core.ErrConfigInvalid, "job executor not set")
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	executor := s.executor
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.logger.Debugf("开始执行任务: %s", job.Config.Name)

	ctx, cancel := context.WithTimeout(s.ctx, DefaultJobTimeout)
	defer cancel()

	err := executor.Execute(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
		s.logger.WithError(err).Errorf("任务执行失败: %s", job.Config.Name)
		return err
	}
	job.Status = JobStatusPending
	job.LastError = nil
	s.logger.Debugf("任务执行成功: %s", job.Config.Name)
	return nil
}

// updateNextRunTimes 更新所有任务的下次运行时间（需要持有锁）
func (s *Scheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if !job.Config.Enabled {
			continue
		}
		for _, entry := range entries {
			if entry.ID == job.EntryID {
				nextRun := entry.Next
				job.NextRun = &nextRun
				break
			}
		}
	}
}
