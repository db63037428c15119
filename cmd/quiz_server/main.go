package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"vocabquiz/pkg/config"
	"vocabquiz/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/quiz_server.yaml)")
	logLevel   = flag.String("log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置文件")
	logFormat  = flag.String("log-format", "", "日志格式 (json or text)，覆盖配置文件")
	redisAddr  = flag.String("redis", "", "Redis 地址，格式 host:port；设置后启用 Redis 存储")
	wordsPath  = flag.String("words", "", "词库 JSON 文件路径")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		logger.GetLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})
	log := logger.WithComponent("main")

	gin.SetMode(cfg.Server.Mode)

	server, err := NewQuizServer(cfg, logger.WithComponent("server"))
	if err != nil {
		log.WithError(err).Fatal("Failed to create quiz server")
	}
	defer server.Close()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start quiz server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down quiz server...")
	server.Stop()
}

// loadConfig 加载配置文件并应用命令行覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logger.Format = *logFormat
	}
	if *redisAddr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = *redisAddr
	}
	if *wordsPath != "" {
		cfg.Words.Path = *wordsPath
	}
	return cfg, cfg.Validate()
}
