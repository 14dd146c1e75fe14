package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"realtime-poll-backend/mq"
	"realtime-poll-backend/websocket"

	"github.com/gin-gonic/gin"
)

// SystemInfo contains basic system metrics and information
type SystemInfo struct {
	Status       string              `json:"status"`
	Version      string              `json:"version"`
	Uptime       string              `json:"uptime"`
	StartTime    time.Time           `json:"start_time"`
	CurrentTime  time.Time           `json:"current_time"`
	GoVersion    string              `json:"go_version"`
	NumGoroutine int                 `json:"num_goroutine"`
	NumCPU       int                 `json:"num_cpu"`
	Components   map[string]string   `json:"components"`
	Bus          *mq.BusStats        `json:"bus,omitempty"`
	Hub          *websocket.HubStats `json:"hub,omitempty"`
	RateLimiter  *RateLimiterStats   `json:"rate_limiter,omitempty"`
}

var version = "0.2.0" // 应用版本，可通过构建参数注入

// Pinger 可以做连通性检查的依赖
type Pinger func(ctx context.Context) error

// HealthHandler 健康检查与运行状态
type HealthHandler struct {
	startTime time.Time
	checks    map[string]Pinger
	bus       mq.Bus
	hub       *websocket.Hub
	limiter   *RequestLimiter
}

// NewHealthHandler checks 中的 "database" 决定整体健康状态，其余只做展示
func NewHealthHandler(checks map[string]Pinger, bus mq.Bus, hub *websocket.Hub, limiter *RequestLimiter) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		checks:    checks,
		bus:       bus,
		hub:       hub,
		limiter:   limiter,
	}
}

// HealthCheck 提供基本健康检查端点
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if ping, found := h.checks["database"]; found && ping != nil {
		if err := ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, Response{Success: false, Message: "database unavailable", Error: "unhealthy"})
			return
		}
	}
	ok(c, http.StatusOK, "", gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// SystemStatus 提供详细的系统状态信息
func (h *HealthHandler) SystemStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	info := SystemInfo{
		Status:       "ok",
		Version:      version,
		Uptime:       time.Since(h.startTime).String(),
		StartTime:    h.startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		Components:   make(map[string]string, len(h.checks)),
	}
	for name, ping := range h.checks {
		if ping == nil {
			info.Components[name] = "disabled"
			continue
		}
		if err := ping(ctx); err != nil {
			info.Components[name] = "error"
			if name == "database" {
				info.Status = "degraded"
			}
			continue
		}
		info.Components[name] = "ok"
	}
	if h.bus != nil {
		stats := h.bus.Stats()
		info.Bus = &stats
	}
	if h.hub != nil {
		stats := h.hub.Stats()
		info.Hub = &stats
	}
	if h.limiter != nil {
		stats := h.limiter.Stats()
		info.RateLimiter = &stats
	}

	ok(c, http.StatusOK, "", info)
}
