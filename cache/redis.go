package cache

import (
	"context"
	"fmt"
	"time"

	"realtime-poll-backend/config"
	"realtime-poll-backend/logging"

	"github.com/redis/go-redis/v9"
)

// InitRedis 按配置创建 Redis 客户端并测试连接。
// REDIS_ADDR 为空时返回 ErrRedisNotAvailable，调用方退回到单实例实现。
func InitRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	log := logging.For("cache", "InitRedis")
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set, redis disabled")
		return nil, ErrRedisNotAvailable
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisNotAvailable, err)
	}

	log.WithField("addr", cfg.RedisAddr).Info("redis connected")
	return client, nil
}

// Ping 健康检查用；client 为 nil 表示未启用
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return ErrRedisNotAvailable
	}
	return client.Ping(ctx).Err()
}

func CloseRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logging.For("cache", "CloseRedis").WithError(err).Warn("close redis failed")
	}
}
