package routes

import (
	"errors"
	"net/http"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/handlers"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// Deps 路由依赖
type Deps struct {
	CORSOrigins []string
	Auth        auth.Authenticator
	Polls       *handlers.PollHandler
	Votes       *handlers.VoteHandler
	Health      *handlers.HealthHandler
	Limiter     *handlers.RequestLimiter
	Realtime    *websocket.Handler
}

// SetupRouter 设置和配置Gin路由
func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(d.CORSOrigins) == 0 || d.CORSOrigins[0] == "*" {
		// 通配来源不能与 credentials 同时使用
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = d.CORSOrigins
	}
	router.Use(cors.New(corsConfig))

	// 所有请求都尝试解析令牌，写接口再单独要求登录
	router.Use(auth.Middleware(d.Auth, false))
	requireAuth := auth.Middleware(d.Auth, true)
	limit := d.Limiter.Middleware()

	api := router.Group("/api")
	{
		api.GET("/health", d.Health.HealthCheck)
		api.GET("/status", d.Health.SystemStatus)
		api.GET("/ratelimit/stats", d.Limiter.GetRateLimiterStats)

		polls := api.Group("/polls")
		{
			polls.GET("", d.Polls.GetPolls)
			polls.GET("/stats", requireAuth, d.Polls.GetStats)
			polls.GET("/:id", d.Polls.GetPoll)
			polls.POST("", requireAuth, limit, d.Polls.CreatePoll)
			polls.PUT("/:id", requireAuth, limit, d.Polls.UpdatePoll)
			polls.DELETE("/:id", requireAuth, limit, d.Polls.DeletePoll)
		}

		votes := api.Group("/votes")
		{
			// 投票的用户级限流在服务层
			votes.POST("", requireAuth, d.Votes.SubmitVote)
			votes.GET("/poll/:id/results", d.Votes.GetResults)
			votes.GET("/poll/:id/user", requireAuth, d.Votes.GetUserVote)
			votes.GET("/poll/:id/history", d.Votes.GetHistory)
		}
	}

	// 实时更新端点（WebSocket和SSE）
	d.Realtime.RegisterRoutes(router)

	return router
}

// StartServer 启动HTTP服务器
func StartServer(router *gin.Engine, port string) *Server {
	addr := ":" + port
	srv := &Server{
		&http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		log := logging.For("routes", "StartServer")
		log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	return srv
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logging.Logger.WithFields(logrus.Fields{
			"module":  "http",
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
