package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 主配置结构
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Words          WordsConfig          `mapstructure:"words"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Session        SessionConfig        `mapstructure:"session"`
	Lock           LockConfig           `mapstructure:"lock"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	OperationLimit OperationLimitConfig `mapstructure:"operation_limit"`
	Breaker        BreakerConfig        `mapstructure:"breaker"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	InfluxDB       InfluxDBConfig       `mapstructure:"influxdb"`
	Logger         LoggerConfig         `mapstructure:"logger"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig Redis 配置，Enabled 为 false 时全部使用进程内实现
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// WordsConfig 词库数据源配置
type WordsConfig struct {
	Path string `mapstructure:"path"` // JSON 词库文件路径
}

// CacheConfig 词库缓存配置
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxSize         int           `mapstructure:"max_size"`
	StatsEnabled    bool          `mapstructure:"stats_enabled"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	WarmUpOnStart   bool          `mapstructure:"warm_up_on_start"`
	WarmUpInterval  time.Duration `mapstructure:"warm_up_interval"` // 0 表示不定期预热
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LockConfig 会话键锁配置
type LockConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`     // 仅 Redis 锁使用
	PollInterval time.Duration `mapstructure:"poll_interval"` // 仅 Redis 锁使用
}

// RateLimitConfig 通用 API 限流配置
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SkipPaths     []string      `mapstructure:"skip_paths"`
}

// OperationLimitConfig 按操作名限流的配置
type OperationLimitConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Window        time.Duration  `mapstructure:"window"`
	QueryLimit    int            `mapstructure:"query_limit"`
	MutationLimit int            `mapstructure:"mutation_limit"`
	Overrides     map[string]int `mapstructure:"overrides"`
}

// BreakerConfig 词库熔断器配置
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ReadyToTrip uint32        `mapstructure:"ready_to_trip"`
}

// SchedulerConfig 维护任务调度配置
type SchedulerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ConfigPath string `mapstructure:"config_path"` // 可选的独立任务配置文件
}

// InfluxDBConfig 统计指标导出配置
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`

	Instance       string        `mapstructure:"instance"`        // 写入 instance 标签
	ExportInterval time.Duration `mapstructure:"export_interval"` // 统计导出间隔
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// setDefaults 注册全部默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "quiz")

	v.SetDefault("words.path", "./data/words.json")

	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.max_size", 500)
	v.SetDefault("cache.stats_enabled", true)
	v.SetDefault("cache.cleanup_interval", "1m")
	v.SetDefault("cache.warm_up_on_start", true)
	v.SetDefault("cache.warm_up_interval", "30m")

	v.SetDefault("session.ttl", "2h")
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.sweep_interval", "5m")

	v.SetDefault("lock.timeout", "200ms")
	v.SetDefault("lock.lease_ttl", "5s")
	v.SetDefault("lock.poll_interval", "10ms")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.sweep_interval", "1m")
	v.SetDefault("rate_limit.skip_paths", []string{"/health"})

	v.SetDefault("operation_limit.enabled", true)
	v.SetDefault("operation_limit.window", "1m")
	v.SetDefault("operation_limit.query_limit", 60)
	v.SetDefault("operation_limit.mutation_limit", 20)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 5)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.ready_to_trip", 5)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.config_path", "")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "vocabquiz")
	v.SetDefault("influxdb.bucket", "quiz_metrics")
	v.SetDefault("influxdb.instance", "quiz-server")
	v.SetDefault("influxdb.export_interval", "1m")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// Default 返回默认配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// 默认值全部为合法类型，解码不会失败
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load 加载配置：默认值 < 配置文件 < 环境变量（QUIZ_ 前缀）。
// path 为空时在 ./config 与当前目录中查找 quiz_server.yaml，找不到文件不算错误。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quiz_server")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port cannot be empty")
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}

	if c.Cache.MaxSize <= 0 {
		return errors.New("cache max_size must be positive")
	}

	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}

	if c.Session.MaxSessions <= 0 {
		return errors.New("session max_sessions must be positive")
	}

	if c.Session.SweepInterval < 0 {
		return errors.New("session sweep_interval cannot be negative")
	}

	if c.Lock.Timeout <= 0 {
		return errors.New("lock timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return errors.New("rate_limit window must be positive")
		}
		if c.RateLimit.MaxRequests <= 0 {
			return errors.New("rate_limit max_requests must be positive")
		}
	}

	if c.OperationLimit.Enabled {
		if c.OperationLimit.Window <= 0 {
			return errors.New("operation_limit window must be positive")
		}
		if c.OperationLimit.QueryLimit <= 0 || c.OperationLimit.MutationLimit <= 0 {
			return errors.New("operation_limit query_limit and mutation_limit must be positive")
		}
		for name, limit := range c.OperationLimit.Overrides {
			if limit <= 0 {
				return fmt.Errorf("operation_limit override for %q must be positive", name)
			}
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis addr cannot be empty when redis is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "" {
			return errors.New("influxdb url and bucket are required when influxdb is enabled")
		}
		if c.InfluxDB.ExportInterval <= 0 {
			return errors.New("influxdb export_interval must be positive")
		}
	}

	return nil
}
