package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"vocabquiz/pkg/core"
	"vocabquiz/pkg/lock"
	"vocabquiz/pkg/ratelimit"
	"vocabquiz/pkg/session"
)

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody 错误详情
type ErrorBody struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// statusFor 错误代码到 HTTP 状态码的映射
func statusFor(code core.ErrorCode) int {
	switch code {
	case core.ErrLockNotAcquired:
		return http.StatusConflict
	case core.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case core.ErrSessionNotFound, core.ErrWordNotFound:
		return http.StatusNotFound
	case core.ErrInvalidSessionKey, core.ErrInvalidArgument:
		return http.StatusBadRequest
	case core.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage 对外展示的错误信息，内部错误不暴露细节
func publicMessage(err error) (core.ErrorCode, string) {
	code := core.CodeOf(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.ErrInternalError, "request cancelled"
	}
	switch code {
	case core.ErrLockNotAcquired:
		return code, "session is busy, try again"
	case core.ErrInternalError:
		return code, "internal server error"
	}
	var qErr *core.QuizError
	if errors.As(err, &qErr) {
		return code, qErr.Message
	}
	return code, err.Error()
}

func (s *QuizServer) writeError(c *gin.Context, err error) {
	code, msg := publicMessage(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}

func (s *QuizServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	services := map[string]string{}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "error: " + err.Error()
			status = "degraded"
		} else {
			services["redis"] = "ok"
		}
	}

	if s.breaker != nil {
		services["words"] = s.breaker.Stats().State
		if !s.breaker.IsHealthy() {
			status = "degraded"
		}
	}

	if s.influxClient != nil {
		if h, err := s.influxClient.Health(ctx); err != nil {
			services["influxdb"] = "error: " + err.Error()
		} else {
			services["influxdb"] = string(h.Status)
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startedAt).String(),
		"services":  services,
	})
}

func bindFilter(c *gin.Context) (core.WordFilter, bool) {
	var filter core.WordFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: core.ErrInvalidArgument, Message: err.Error()}})
		return filter, false
	}
	return filter, true
}

func (s *QuizServer) listWords(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	words, err := s.catalog.FindByFilter(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"words": words, "count": len(words)})
}

func (s *QuizServer) getWord(c *gin.Context) {
	word, err := s.catalog.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, word)
}

func (s *QuizServer) listCategories(c *gin.Context) {
	categories, err := s.catalog.ListCategories(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (s *QuizServer) listDifficulties(c *gin.Context) {
	difficulties, err := s.catalog.ListDifficulties(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"difficulties": difficulties})
}

func (s *QuizServer) countWords(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	n, err := s.catalog.Count(c.Request.Context(), &filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *QuizServer) createSession(c *gin.Context) {
	sess, err := s.sessions.FindOrCreate(c.Request.Context(), session.NewKey())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionKey": sess.Key,
		"createdAt":  sess.CreatedAt,
	})
}

func (s *QuizServer) deleteSession(c *gin.Context) {
	key := c.Param("key")
	deleted, err := s.sessions.Delete(c.Request.Context(), key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !deleted {
		s.writeError(c, core.NewQuizError(core.ErrSessionNotFound, "session not found"))
		return
	}
	c.Status(http.StatusNoContent)
}

// nextRequest 抽题请求
type nextRequest struct {
	Count      int    `json:"count"`
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
	Search     string `json:"search"`
}

func (s *QuizServer) nextWords(c *gin.Context) {
	req := nextRequest{Count: 1}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, core.WrapError(core.ErrInvalidArgument, "invalid request body", err))
			return
		}
	}

	round, err := s.quiz.NextWords(c.Request.Context(), c.Param("key"), core.WordFilter{
		Category:   req.Category,
		Difficulty: req.Difficulty,
		Search:     req.Search,
	}, req.Count)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

// resetRequest 重置请求，word_ids 为空时重置全部
type resetRequest struct {
	WordIDs []string `json:"word_ids"`
}

func (s *QuizServer) resetSession(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, core.WrapError(core.ErrInvalidArgument, "invalid request body", err))
			return
		}
	}

	sess, err := s.quiz.ResetSession(c.Request.Context(), c.Param("key"), req.WordIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionKey":  sess.Key,
		"usedWordIds": sess.UsedIDs(),
	})
}

func (s *QuizServer) sessionProgress(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	p, err := s.quiz.Progress(c.Request.Context(), c.Param("key"), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *QuizServer) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.Stats())
}

// invalidateRequest 缓存失效请求：指定 key 时只失效该键，否则按 class（all/words）失效
type invalidateRequest struct {
	Key   string `json:"key"`
	Class string `json:"class"`
}

func (s *QuizServer) invalidateCache(c *gin.Context) {
	var req invalidateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, core.WrapError(core.ErrInvalidArgument, "invalid request body", err))
			return
		}
	}

	switch {
	case req.Key != "":
		c.JSON(http.StatusOK, gin.H{"invalidated": s.catalog.Invalidate(req.Key), "key": req.Key})
	case req.Class == "" || req.Class == "all":
		s.catalog.InvalidateAll()
		c.JSON(http.StatusOK, gin.H{"invalidated": true, "class": "all"})
	case req.Class == "words":
		c.JSON(http.StatusOK, gin.H{"removed": s.catalog.InvalidateWords(), "class": "words"})
	default:
		s.writeError(c, core.NewQuizError(core.ErrInvalidArgument, "unknown invalidation class").WithContext("class", req.Class))
	}
}

func (s *QuizServer) warmUpCache(c *gin.Context) {
	start := time.Now()
	if err := s.catalog.WarmUp(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"duration": time.Since(start).String(),
		"stats":    s.catalog.Stats(),
	})
}

func (s *QuizServer) sessionCount(c *gin.Context) {
	n, err := s.sessions.Count(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *QuizServer) sweepSessions(c *gin.Context) {
	var maxAge time.Duration
	if raw := c.Query("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(c, core.NewQuizError(core.ErrInvalidArgument, "invalid max_age").WithContext("max_age", raw))
			return
		}
		maxAge = d
	}

	removed, err := s.sessions.DeleteExpired(c.Request.Context(), maxAge)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *QuizServer) rateLimitStats(c *gin.Context) {
	out := gin.H{}
	if s.apiLimiter != nil {
		out["api"] = s.apiLimiter.Stats()
	}
	if s.opLimiter != nil {
		out["operation"] = s.opLimiter.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *QuizServer) listJobs(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.scheduler.GetAllJobs()})
}

func (s *QuizServer) runJob(c *gin.Context) {
	if s.scheduler == nil {
		s.writeError(c, core.NewQuizError(core.ErrInvalidArgument, "scheduler disabled"))
		return
	}
	name := c.Param("name")
	if err := s.scheduler.RunJob(name); err != nil {
		s.writeError(c, err)
		return
	}
	job, err := s.scheduler.GetJob(name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *QuizServer) getStats(c *gin.Context) {
	sessions, _ := s.sessions.Count(c.Request.Context())
	stats := gin.H{
		"cache":    s.catalog.Stats(),
		"sessions": sessions,
		"uptime":   time.Since(s.startedAt).String(),
	}
	if km, ok := s.locker.(*lock.KeyedMutex); ok {
		stats["locks_held"] = km.Held()
	}
	if s.breaker != nil {
		stats["breaker"] = s.breaker.Stats()
	}
	c.JSON(http.StatusOK, stats)
}

// graphqlError GraphQL 风格的错误
type graphqlError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

// graphql 最小的 GraphQL 入口：按 operationName 分发到对应的服务调用，参数取自 variables
func (s *QuizServer) graphql(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []graphqlError{{
			Message:    "request body must be JSON",
			Extensions: map[string]any{"code": core.ErrInvalidArgument},
		}}})
		return
	}

	op := ratelimit.ParseOperation(body)
	if op.Introspection {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{}})
		return
	}

	vars := gjson.GetBytes(body, "variables")
	filter := core.WordFilter{
		Category:   vars.Get("category").String(),
		Difficulty: vars.Get("difficulty").String(),
		Search:     vars.Get("search").String(),
	}
	ctx := c.Request.Context()

	var field string
	var data any
	switch strings.ToLower(op.Name) {
	case "words":
		field = "words"
		data, err = s.catalog.FindByFilter(ctx, filter)
	case "word":
		field = "word"
		data, err = s.catalog.FindByID(ctx, vars.Get("id").String())
	case "categories":
		field = "categories"
		data, err = s.catalog.ListCategories(ctx)
	case "difficulties":
		field = "difficulties"
		data, err = s.catalog.ListDifficulties(ctx)
	case "count":
		field = "count"
		data, err = s.catalog.Count(ctx, &filter)
	case "nextwords":
		field = "nextWords"
		count := 1
		if v := vars.Get("count"); v.Exists() {
			count = int(v.Int())
		}
		data, err = s.quiz.NextWords(ctx, vars.Get("sessionKey").String(), filter, count)
	case "resetsession":
		field = "resetSession"
		var ids []string
		for _, id := range vars.Get("wordIds").Array() {
			ids = append(ids, id.String())
		}
		var sess *session.Session
		sess, err = s.quiz.ResetSession(ctx, vars.Get("sessionKey").String(), ids)
		if err == nil {
			data = gin.H{"sessionKey": sess.Key, "usedWordIds": sess.UsedIDs()}
		}
	case "progress":
		field = "progress"
		data, err = s.quiz.Progress(ctx, vars.Get("sessionKey").String(), filter)
	default:
		err = core.NewQuizError(core.ErrInvalidArgument, "unsupported operation").WithContext("operation", op.Name)
	}

	if err != nil {
		code, msg := publicMessage(err)
		if statusFor(code) >= http.StatusInternalServerError {
			s.logger.WithError(err).WithField("operation", op.Key()).Error("graphql operation failed")
		}
		c.JSON(http.StatusOK, gin.H{
			"data": nil,
			"errors": []graphqlError{{
				Message:    msg,
				Extensions: map[string]any{"code": code},
			}},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{field: data}})
}
