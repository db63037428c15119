package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vocabquiz/pkg/core"
)

// 响应头
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderOperation  = "X-RateLimit-Operation"
	HeaderRetryAfter = "Retry-After"
)

// ContextKey gin 上下文中保存限流结果的键
const ContextKey = "ratelimit.result"

// Middleware 按客户端限流的 gin 中间件
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := l.Check(c.Request)
		c.Set(ContextKey, res)
		if res.Skipped {
			c.Next()
			return
		}

		writeHeaders(c, res)
		if res.Limited {
			abortLimited(c, res)
			return
		}
		c.Next()
	}
}

// OperationMiddleware 按 GraphQL 操作限流的 gin 中间件
func OperationMiddleware(l *OperationLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := l.Check(c.Request)
		c.Set(ContextKey, res.Result)
		c.Header(HeaderOperation, res.Operation.Key())
		if res.Skipped {
			c.Next()
			return
		}

		writeHeaders(c, res.Result)
		if res.Limited {
			abortLimited(c, res.Result)
			return
		}
		c.Next()
	}
}

func writeHeaders(c *gin.Context, res Result) {
	c.Header(HeaderLimit, strconv.Itoa(res.Limit))
	c.Header(HeaderRemaining, strconv.Itoa(res.Remaining))
	c.Header(HeaderReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// abortLimited 返回 429 和结构化错误
func abortLimited(c *gin.Context, res Result) {
	retry := res.RetryAfterSeconds()
	c.Header(HeaderRetryAfter, strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"code":              core.ErrRateLimitExceeded,
			"message":           fmt.Sprintf("too many requests, retry after %d seconds", retry),
			"retryAfterSeconds": retry,
		},
	})
}
