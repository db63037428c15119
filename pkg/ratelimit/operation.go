package ratelimit

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"vocabquiz/pkg/clock"
)

// 操作类型
const (
	OperationQuery        = "query"
	OperationMutation     = "mutation"
	OperationSubscription = "subscription"
)

// maxBodyBytes 解析操作时最多读取的请求体大小
const maxBodyBytes = 1 << 20

var (
	operationPattern     = regexp.MustCompile(`^(query|mutation|subscription)\b\s*([_A-Za-z][_0-9A-Za-z]*)?`)
	namedPattern         = regexp.MustCompile(`\b(query|mutation|subscription)\s+([_A-Za-z][_0-9A-Za-z]*)\b`)
	introspectionPattern = regexp.MustCompile(`\b__schema\b|\b__type\b`)
	commentPattern       = regexp.MustCompile(`(?m)#.*$`)
)

// Operation 从请求体解析出的 GraphQL 操作
type Operation struct {
	Type          string
	Name          string
	Introspection bool
}

// Key 操作维度的键：type 或 type:name
func (o Operation) Key() string {
	if o.Name == "" {
		return o.Type
	}
	return o.Type + ":" + o.Name
}

// ParseOperation 解析 {"query": "...", "operationName": "..."} 请求体。
// 无法识别的请求体按匿名 query 处理。
func ParseOperation(body []byte) Operation {
	op := Operation{Type: OperationQuery}
	if !gjson.ValidBytes(body) {
		return op
	}

	doc := gjson.ParseBytes(body)
	query := commentPattern.ReplaceAllString(doc.Get("query").String(), "")
	op.Name = strings.TrimSpace(doc.Get("operationName").String())

	if op.Name != "" {
		// 多操作文档中按名称定位
		for _, m := range namedPattern.FindAllStringSubmatch(query, -1) {
			if m[2] == op.Name {
				op.Type = m[1]
				break
			}
		}
	} else if m := operationPattern.FindStringSubmatch(strings.TrimSpace(query)); m != nil {
		op.Type = m[1]
		op.Name = m[2]
	}

	op.Introspection = op.Name == "IntrospectionQuery" || introspectionPattern.MatchString(query)
	return op
}

// OperationConfig 按操作限流的配置
type OperationConfig struct {
	Window        time.Duration
	QueryLimit    int
	MutationLimit int
	Overrides     map[string]int // 操作名（不区分大小写）到限额
	KeyFunc       KeyFunc
	SkipFunc      SkipFunc
}

// OperationResult 按操作限流的检查结果
type OperationResult struct {
	Result
	Operation Operation
}

// OperationLimiter 按“客户端+操作”限流，查询和变更拥有独立额度
type OperationLimiter struct {
	*counter
	config    OperationConfig
	overrides map[string]int
}

// NewOperationLimiter 创建按操作限流器
func NewOperationLimiter(config OperationConfig, store WindowStore, clk clock.Clock, log *logrus.Entry) *OperationLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultKeyFunc
	}
	overrides := make(map[string]int, len(config.Overrides))
	for name, limit := range config.Overrides {
		overrides[strings.ToLower(name)] = limit
	}
	return &OperationLimiter{
		counter:   newCounter(store, config.Window, clk, log),
		config:    config,
		overrides: overrides,
	}
}

// LimitFor 解析操作的限额：单独配置 > 变更默认 > 查询默认
func (l *OperationLimiter) LimitFor(op Operation) int {
	if op.Name != "" {
		if limit, ok := l.overrides[strings.ToLower(op.Name)]; ok {
			return limit
		}
	}
	if op.Type == OperationMutation {
		return l.config.MutationLimit
	}
	return l.config.QueryLimit
}

// Check 读取请求体解析操作并计数，请求体会被还原供后续处理器读取
func (l *OperationLimiter) Check(r *http.Request) OperationResult {
	op := Operation{Type: OperationQuery}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err == nil {
			op = ParseOperation(body)
		}
	}
	return l.CheckOperation(r.Context(), r, op)
}

// CheckOperation 对已解析的操作计数
func (l *OperationLimiter) CheckOperation(ctx context.Context, r *http.Request, op Operation) OperationResult {
	client := l.config.KeyFunc(r)
	key := client + ":" + op.Key()
	limit := l.LimitFor(op)

	if op.Introspection || (l.config.SkipFunc != nil && l.config.SkipFunc(r)) {
		return OperationResult{Result: l.skip(key, limit), Operation: op}
	}
	return OperationResult{Result: l.hit(ctx, key, limit), Operation: op}
}

// Sweep 清理过期窗口
func (l *OperationLimiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx)
}

// Stats 返回统计信息
func (l *OperationLimiter) Stats() Stats {
	return l.stats()
}

// Close 关闭底层存储
func (l *OperationLimiter) Close() error {
	return l.store.Close()
}
