package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/cache"
	"vocabquiz/pkg/catalog"
	"vocabquiz/pkg/config"
	"vocabquiz/pkg/core"
	"vocabquiz/pkg/lock"
	"vocabquiz/pkg/logger"
	"vocabquiz/pkg/metrics"
	"vocabquiz/pkg/quiz"
	"vocabquiz/pkg/ratelimit"
	"vocabquiz/pkg/repository"
	"vocabquiz/pkg/scheduler"
	"vocabquiz/pkg/session"
)

// QuizServer 组装全部组件的 HTTP 服务
type QuizServer struct {
	config *config.Config
	logger *logrus.Entry

	redisClient  *redis.Client
	influxClient influxdb2.Client

	breaker    *repository.CircuitBreakerRepository
	catalog    *catalog.CachedRepository
	sessions   session.Store
	locker     lock.Locker
	quiz       *quiz.Service
	apiLimiter *ratelimit.Limiter
	opLimiter  *ratelimit.OperationLimiter
	scheduler  *scheduler.Scheduler
	exporter   *metrics.InfluxExporter
	server     *http.Server
	startedAt  time.Time
}

// NewQuizServer 按配置创建全部组件。Redis 启用时锁、会话和限流窗口都存放在 Redis 中。
func NewQuizServer(cfg *config.Config, log *logrus.Entry) (*QuizServer, error) {
	log = logger.OrComponent(log, "server")
	s := &QuizServer{config: cfg, logger: log, startedAt: time.Now()}

	if cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			s.redisClient.Close()
			return nil, core.WrapError(core.ErrStoreUnavailable, "failed to connect to Redis", err).
				WithContext("addr", cfg.Redis.Addr)
		}
		log.WithField("addr", cfg.Redis.Addr).Info("connected to Redis")
	}

	// 词库：JSON 文件 -> 熔断 -> 缓存
	words, err := repository.LoadFile(cfg.Words.Path)
	if err != nil {
		s.Close()
		return nil, err
	}
	var base core.WordRepository = words
	if cfg.Breaker.Enabled {
		s.breaker = repository.NewCircuitBreakerRepository(words, repository.CircuitBreakerConfig{
			Name:        "WordRepository",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: cfg.Breaker.ReadyToTrip,
		}, logger.WithComponent("repository"))
		base = s.breaker
	}
	s.catalog = catalog.NewCachedRepository(base, cache.Config{
		TTL:             cfg.Cache.TTL,
		MaxSize:         cfg.Cache.MaxSize,
		StatsEnabled:    cfg.Cache.StatsEnabled,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, nil, logger.WithComponent("catalog"))

	// 会话后台清理交给调度器时不再单独启动清理协程
	sessionConfig := session.Config{
		TTL:           cfg.Session.TTL,
		MaxSessions:   cfg.Session.MaxSessions,
		SweepInterval: cfg.Session.SweepInterval,
	}
	if cfg.Scheduler.Enabled {
		sessionConfig.SweepInterval = 0
	}

	var apiStore, opStore ratelimit.WindowStore
	if s.redisClient != nil {
		s.locker = lock.NewRedisLocker(s.redisClient, lock.RedisLockerConfig{
			KeyPrefix:    cfg.Redis.KeyPrefix,
			LeaseTTL:     cfg.Lock.LeaseTTL,
			PollInterval: cfg.Lock.PollInterval,
		}, logger.WithComponent("lock"))
		s.sessions = session.NewRedisStore(s.redisClient, cfg.Redis.KeyPrefix, sessionConfig, nil, logger.WithComponent("session"))
		apiStore = ratelimit.NewRedisStore(s.redisClient, cfg.Redis.KeyPrefix+":api", nil)
		opStore = ratelimit.NewRedisStore(s.redisClient, cfg.Redis.KeyPrefix+":op", nil)
	} else {
		sweep := cfg.RateLimit.SweepInterval
		if cfg.Scheduler.Enabled {
			sweep = 0
		}
		s.locker = lock.NewKeyedMutex(logger.WithComponent("lock"))
		s.sessions = session.NewMemoryStore(sessionConfig, nil, logger.WithComponent("session"))
		apiStore = ratelimit.NewMemoryStore(nil, sweep, logger.WithComponent("ratelimit"))
		opStore = ratelimit.NewMemoryStore(nil, sweep, logger.WithComponent("ratelimit"))
	}

	s.quiz = quiz.NewService(s.catalog, s.sessions, s.locker, quiz.Options{
		LockTimeout: cfg.Lock.Timeout,
		Logger:      logger.WithComponent("quiz"),
	})

	if cfg.RateLimit.Enabled {
		s.apiLimiter = ratelimit.New(ratelimit.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
			SkipFunc:    ratelimit.SkipPaths(cfg.RateLimit.SkipPaths...),
		}, apiStore, nil, logger.WithComponent("ratelimit"))
	} else {
		apiStore.Close()
	}
	if cfg.OperationLimit.Enabled {
		s.opLimiter = ratelimit.NewOperationLimiter(ratelimit.OperationConfig{
			Window:        cfg.OperationLimit.Window,
			QueryLimit:    cfg.OperationLimit.QueryLimit,
			MutationLimit: cfg.OperationLimit.MutationLimit,
			Overrides:     cfg.OperationLimit.Overrides,
		}, opStore, nil, logger.WithComponent("ratelimit"))
	} else {
		opStore.Close()
	}

	if cfg.InfluxDB.Enabled {
		client, writer, err := metrics.Connect(context.Background(), cfg.InfluxDB)
		if err != nil {
			// 指标导出不影响主流程
			log.WithError(err).Warn("InfluxDB unavailable, stats export disabled")
		} else {
			s.influxClient = client
			s.exporter = metrics.NewInfluxExporter(writer, s.statsSources(), cfg.InfluxDB.Instance, nil, logger.WithComponent("metrics"))
		}
	}

	if cfg.Scheduler.Enabled {
		if err := s.setupScheduler(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// statsSources 导出器使用的统计来源
func (s *QuizServer) statsSources() metrics.Sources {
	sources := metrics.Sources{
		Cache:     s.catalog.Stats,
		Sessions:  s.sessions.Count,
		RateLimit: make(map[string]func() ratelimit.Stats),
	}
	if km, ok := s.locker.(*lock.KeyedMutex); ok {
		sources.Locks = km.Held
	}
	if s.apiLimiter != nil {
		sources.RateLimit["api"] = s.apiLimiter.Stats
	}
	if s.opLimiter != nil {
		sources.RateLimit["operation"] = s.opLimiter.Stats
	}
	if s.breaker != nil {
		sources.Breaker = s.breaker.Stats
	}
	return sources
}

// setupScheduler 注册维护任务并加载任务配置，未指定配置文件时使用默认任务
func (s *QuizServer) setupScheduler() error {
	cfg := s.config
	log := logger.WithComponent("scheduler")

	executor := scheduler.NewTaskExecutor(log)
	executor.Register(scheduler.TaskSessionSweep, scheduler.SessionSweepTask(s.sessions, log))

	var sweepers []scheduler.WindowSweeper
	if s.apiLimiter != nil {
		sweepers = append(sweepers, s.apiLimiter)
	}
	if s.opLimiter != nil {
		sweepers = append(sweepers, s.opLimiter)
	}
	executor.Register(scheduler.TaskRateLimitSweep, scheduler.RateLimitSweepTask(log, sweepers...))
	executor.Register(scheduler.TaskCacheWarmUp, scheduler.CacheWarmUpTask(s.catalog, log))

	exportInterval := time.Duration(0)
	if s.exporter != nil {
		executor.Register(scheduler.TaskStatsExport, scheduler.StatsExportTask(s.exporter))
		exportInterval = cfg.InfluxDB.ExportInterval
	} else {
		executor.Register(scheduler.TaskStatsExport, func(context.Context, map[string]interface{}) error { return nil })
	}

	s.scheduler = scheduler.NewScheduler(log)
	s.scheduler.SetExecutor(executor)

	if cfg.Scheduler.ConfigPath != "" {
		return s.scheduler.LoadConfig(cfg.Scheduler.ConfigPath)
	}
	for _, job := range scheduler.DefaultJobs(cfg.Session.SweepInterval, cfg.RateLimit.SweepInterval, cfg.Cache.WarmUpInterval, exportInterval) {
		if err := s.scheduler.AddJob(job); err != nil {
			return err
		}
	}
	return nil
}

// Router 构建路由
func (s *QuizServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	if s.apiLimiter != nil {
		router.Use(ratelimit.Middleware(s.apiLimiter))
	}

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/words", s.listWords)
		v1.GET("/words/:id", s.getWord)
		v1.GET("/categories", s.listCategories)
		v1.GET("/difficulties", s.listDifficulties)
		v1.GET("/count", s.countWords)

		v1.POST("/sessions", s.createSession)
		v1.DELETE("/sessions/:key", s.deleteSession)
		v1.POST("/sessions/:key/next", s.nextWords)
		v1.POST("/sessions/:key/reset", s.resetSession)
		v1.GET("/sessions/:key/progress", s.sessionProgress)
	}

	graphql := router.Group("/graphql")
	if s.opLimiter != nil {
		graphql.Use(ratelimit.OperationMiddleware(s.opLimiter))
	}
	graphql.POST("", s.graphql)

	admin := router.Group("/admin")
	{
		admin.GET("/cache/stats", s.cacheStats)
		admin.POST("/cache/invalidate", s.invalidateCache)
		admin.POST("/cache/warmup", s.warmUpCache)
		admin.GET("/sessions/count", s.sessionCount)
		admin.POST("/sessions/sweep", s.sweepSessions)
		admin.GET("/ratelimit/stats", s.rateLimitStats)
		admin.GET("/jobs", s.listJobs)
		admin.POST("/jobs/:name/run", s.runJob)
		admin.GET("/stats", s.getStats)
	}

	return router
}

// Start 预热缓存、启动调度器和 HTTP 服务
func (s *QuizServer) Start() error {
	if s.config.Cache.WarmUpOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.catalog.WarmUp(ctx); err != nil {
			s.logger.WithError(err).Warn("cache warm-up failed")
		}
		cancel()
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Addr:    ":" + s.config.Server.Port,
		Handler: s.Router(),
	}

	s.logger.WithField("port", s.config.Server.Port).Info("Starting quiz server...")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()
	return nil
}

// Stop 优雅关闭 HTTP 服务和调度器
func (s *QuizServer) Stop() {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
		}
	}
	if s.scheduler != nil {
		_ = s.scheduler.Stop(timeout)
	}
}

// Close 释放全部资源
func (s *QuizServer) Close() {
	if s.apiLimiter != nil {
		s.apiLimiter.Close()
	}
	if s.opLimiter != nil {
		s.opLimiter.Close()
	}
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.catalog != nil {
		s.catalog.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.influxClient != nil {
		s.influxClient.Close()
	}
}

// requestLogger 访问日志
func (s *QuizServer) requestLogger() gin.HandlerFunc {
	log := logger.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		}).Debug("request")
	}
}
