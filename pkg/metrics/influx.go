// Package metrics 周期性地把缓存、会话、锁、限流和熔断器统计写入 InfluxDB。
package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"vocabquiz/pkg/cache"
	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/config"
	"vocabquiz/pkg/logger"
	"vocabquiz/pkg/ratelimit"
	"vocabquiz/pkg/repository"
)

// 写入的 measurement 名称
const (
	MeasurementCache     = "quiz_cache"
	MeasurementSessions  = "quiz_sessions"
	MeasurementLocks     = "quiz_locks"
	MeasurementRateLimit = "quiz_ratelimit"
	MeasurementBreaker   = "quiz_breaker"
)

// PointWriter 阻塞写入接口，api.WriteAPIBlocking 满足该接口
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sources 统计来源，未设置的来源不会导出
type Sources struct {
	Cache     func() cache.Stats
	Sessions  func(ctx context.Context) (int, error)
	Locks     func() int
	RateLimit map[string]func() ratelimit.Stats // 限流器名称 -> 统计
	Breaker   func() repository.CircuitBreakerStats
}

// InfluxExporter 统计导出器
type InfluxExporter struct {
	writer   PointWriter
	sources  Sources
	instance string
	clock    clock.Clock
	logger   *logrus.Entry
}

// NewInfluxExporter 创建导出器
func NewInfluxExporter(writer PointWriter, sources Sources, instance string, clk clock.Clock, log *logrus.Entry) *InfluxExporter {
	return &InfluxExporter{
		writer:   writer,
		sources:  sources,
		instance: instance,
		clock:    clock.OrDefault(clk),
		logger:   logger.OrComponent(log, "metrics"),
	}
}

// Collect 采集当前统计并转换为数据点
func (e *InfluxExporter) Collect(ctx context.Context) ([]*write.Point, error) {
	now := e.clock.Now()
	tags := func(extra ...string) map[string]string {
		t := map[string]string{"instance": e.instance}
		for i := 0; i+1 < len(extra); i += 2 {
			t[extra[i]] = extra[i+1]
		}
		return t
	}

	var points []*write.Point

	if e.sources.Cache != nil {
		s := e.sources.Cache()
		points = append(points, influxdb2.NewPoint(MeasurementCache, tags(), map[string]interface{}{
			"size":      s.Size,
			"max_size":  s.MaxSize,
			"hits":      s.HitCount,
			"misses":    s.MissCount,
			"evictions": s.EvictionCount,
			"hit_rate":  s.HitRate,
		}, now))
	}

	if e.sources.Sessions != nil {
		n, err := e.sources.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		points = append(points, influxdb2.NewPoint(MeasurementSessions, tags(), map[string]interface{}{
			"count": n,
		}, now))
	}

	if e.sources.Locks != nil {
		points = append(points, influxdb2.NewPoint(MeasurementLocks, tags(), map[string]interface{}{
			"held": e.sources.Locks(),
		}, now))
	}

	for name, stats := range e.sources.RateLimit {
		s := stats()
		fields := map[string]interface{}{
			"checked":      s.Checked,
			"limited":      s.Limited,
			"skipped":      s.Skipped,
			"store_errors": s.StoreErrors,
		}
		if s.ActiveWindows >= 0 {
			fields["active_windows"] = s.ActiveWindows
		}
		points = append(points, influxdb2.NewPoint(MeasurementRateLimit, tags("limiter", name), fields, now))
	}

	if e.sources.Breaker != nil {
		s := e.sources.Breaker()
		points = append(points, influxdb2.NewPoint(MeasurementBreaker, tags("state", s.State), map[string]interface{}{
			"total":    s.TotalRequests,
			"failed":   s.FailedRequests,
			"rejected": s.Rejected,
		}, now))
	}

	return points, nil
}

// Export 采集并写入 InfluxDB
func (e *InfluxExporter) Export(ctx context.Context) error {
	points, err := e.Collect(ctx)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	if err := e.writer.WritePoint(ctx, points...); err != nil {
		e.logger.WithError(err).Warn("failed to write stats to influxdb")
		return err
	}
	e.logger.WithField("points", len(points)).Debug("stats exported")
	return nil
}

// Connect 创建 InfluxDB 客户端并做健康检查，返回客户端和阻塞写入接口
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (influxdb2.Client, PointWriter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	return client, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), nil
}
