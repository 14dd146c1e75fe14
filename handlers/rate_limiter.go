package handlers

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/service"

	"github.com/gin-gonic/gin"
)

// RateLimiterStats 限流器统计信息
type RateLimiterStats struct {
	Enabled          bool  `json:"enabled"`
	TotalRequests    int64 `json:"totalRequests"`
	AllowedRequests  int64 `json:"allowedRequests"`
	RejectedRequests int64 `json:"rejectedRequests"`
}

// RequestLimiter 写接口的请求限流，按登录用户或客户端 IP 分桶
type RequestLimiter struct {
	limiter  service.RateLimiter
	total    atomic.Int64
	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewRequestLimiter limiter 为 nil 时中间件直接放行
func NewRequestLimiter(limiter service.RateLimiter) *RequestLimiter {
	return &RequestLimiter{limiter: limiter}
}

// Middleware 限流中间件；限流组件出错时放行
func (l *RequestLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.limiter == nil {
			c.Next()
			return
		}
		l.total.Add(1)

		key := "ip:" + c.ClientIP()
		if s := auth.SessionFrom(c); s.Valid() {
			key = "user:" + s.UserID
		}

		allowed, err := l.limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logging.For("handlers", "RateLimitMiddleware").WithError(err).Warn("rate limiter unavailable")
		} else if !allowed {
			l.rejected.Add(1)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
				Success: false,
				Message: "Too many requests, please slow down",
				Error:   "rate_limited",
			})
			return
		}

		l.allowed.Add(1)
		c.Next()
	}
}

func (l *RequestLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		Enabled:          l.limiter != nil,
		TotalRequests:    l.total.Load(),
		AllowedRequests:  l.allowed.Load(),
		RejectedRequests: l.rejected.Load(),
	}
}

// GetRateLimiterStats 获取限流器状态
func (l *RequestLimiter) GetRateLimiterStats(c *gin.Context) {
	ok(c, http.StatusOK, "", l.Stats())
}
