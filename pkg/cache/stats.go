// Package cache 提供带 TTL、容量上限和命中统计的通读缓存。
package cache

import (
	"fmt"
	"time"
)

// Stats 缓存统计信息
type Stats struct {
	Size           int           `json:"size"`             // 当前条目数（含尚未清理的过期条目）
	MaxSize        int           `json:"max_size"`         // 最大容量
	HitCount       int64         `json:"hit_count"`        // 命中次数
	MissCount      int64         `json:"miss_count"`       // 未命中次数
	EvictionCount  int64         `json:"eviction_count"`   // 因容量淘汰的条目数
	HitRate        float64       `json:"hit_rate"`         // HitCount / (HitCount + MissCount)
	HitRatePercent string        `json:"hit_rate_percent"` // 保留一位小数的百分比，如 "66.7%"
	TTL            time.Duration `json:"ttl"`
	StatsEnabled   bool          `json:"stats_enabled"`
	LastCleanup    time.Time     `json:"last_cleanup"`
}

// FormatHitRate 将命中率格式化为一位小数的百分比
func FormatHitRate(hits, misses int64) (float64, string) {
	total := hits + misses
	if total == 0 {
		return 0, "0.0%"
	}
	rate := float64(hits) / float64(total)
	return rate, fmt.Sprintf("%.1f%%", rate*100)
}
