package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/cache"
	"realtime-poll-backend/config"
	"realtime-poll-backend/database"
	"realtime-poll-backend/handlers"
	"realtime-poll-backend/history"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/migrations"
	"realtime-poll-backend/mq"
	"realtime-poll-backend/repository"
	"realtime-poll-backend/routes"
	"realtime-poll-backend/service"
	"realtime-poll-backend/websocket"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logging.SetLevel(cfg.LogLevel)
	log := logging.For("main", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库连接
	db, err := database.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("无法初始化数据库")
	}
	if _, err := migrations.ReconcileTotals(db); err != nil {
		log.WithError(err).Fatal("计数校正失败")
	}
	store := repository.NewGormStore(db)

	// Redis 可选，不可用时限流和锁退回进程内实现
	redisClient, err := cache.InitRedis(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("Redis不可用，使用进程内限流和锁")
		redisClient = nil
	}

	secret := cfg.JWTSecret
	if secret == "" {
		if cfg.Environment != "development" {
			log.Fatal("JWT_SECRET is required outside development")
		}
		secret = uuid.NewString()
		log.Warn("JWT_SECRET not set, using a random secret for this process")
	}
	authn := auth.NewJWTAuthenticator(secret)

	// 实时推送：Hub 订阅事件总线，投票历史与 Hub 一起作为总线的下游
	hub := websocket.NewHub(websocket.Options{
		SendBuffer:       cfg.SendBuffer,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReorderWindow:    cfg.ReorderWindow,
	})
	go hub.Run(ctx)

	sink := mq.Fanout{hub}
	checks := map[string]handlers.Pinger{
		"database": store.Ping,
		"redis":    nil,
		"mongodb":  nil,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, redisClient) }
	}

	var (
		reader   *history.Reader
		recorder *history.Recorder
		archive  *history.MongoStore
	)
	if cfg.MongoURI != "" {
		archive, err = openArchive(ctx, cfg)
		if err != nil {
			log.WithError(err).Warn("MongoDB不可用，投票历史未启用")
		} else {
			recorder = history.NewRecorder(archive, cfg.SendBuffer*16)
			recorder.Start()
			reader = history.NewReader(archive)
			sink = append(sink, recorder)
			checks["mongodb"] = archive.Ping
		}
	}

	bus := mq.NewBus(ctx, cfg, redisClient, sink)
	log.WithField("backend", bus.Name()).Info("事件总线已启动")

	voteLimiter, requestLimiter := newLimiters(cfg, redisClient)
	polls := service.NewPollService(store)
	votes := service.NewVoteService(store, bus, voteLimiter, cfg.VoteTimeout)

	sweeper := service.NewExpirySweeper(store, bus, newLocker(redisClient), cfg.ExpirySweepInterval)
	go sweeper.Run(ctx)

	limiter := handlers.NewRequestLimiter(requestLimiter)
	router := routes.SetupRouter(routes.Deps{
		CORSOrigins: cfg.CORSOrigins,
		Auth:        authn,
		Polls:       handlers.NewPollHandler(polls),
		Votes:       handlers.NewVoteHandler(votes, polls, reader),
		Health:      handlers.NewHealthHandler(checks, bus, hub, limiter),
		Limiter:     limiter,
		Realtime:    websocket.NewHandler(hub, polls, cfg.CORSOrigins),
	})

	// 启动服务器
	srv := routes.StartServer(router, cfg.ServerPort)

	// 等待中断信号以优雅地关闭服务器
	<-ctx.Done()
	log.Info("关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 不接受新请求并等待现有请求完成
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Error("服务器强制关闭")
	}

	// 先停总线，再排空历史写入
	if err := bus.Close(); err != nil {
		log.WithError(err).Warn("关闭事件总线失败")
	}
	if recorder != nil {
		recorder.Close()
	}
	if archive != nil {
		if err := archive.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("关闭MongoDB失败")
		}
	}
	cache.CloseRedis(redisClient)
	database.Close(db)

	log.Info("服务器优雅关闭")
}

func openArchive(ctx context.Context, cfg *config.Config) (*history.MongoStore, error) {
	mdb, err := history.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	return history.NewMongoStore(ctx, mdb)
}

// newLimiters 返回投票限流和写接口限流；未启用时都为 nil
func newLimiters(cfg *config.Config, client *redis.Client) (vote, request service.RateLimiter) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}
	if client != nil {
		return cache.NewUserRateLimiter(client, "vote_api", cfg.GlobalRateLimit, cfg.UserRateLimit),
			cache.NewUserRateLimiter(client, "write_api", cfg.GlobalRateLimit, cfg.UserRateLimit)
	}
	return cache.NewLocalRateLimiter(cfg.GlobalRateLimit, cfg.UserRateLimit),
		cache.NewLocalRateLimiter(cfg.GlobalRateLimit, cfg.UserRateLimit)
}

func newLocker(client *redis.Client) service.Locker {
	if client != nil {
		return cache.NewDistributedLockService(client)
	}
	return cache.NewLocalLocker()
}
