package cache

import (
	"github.com/redis/go-redis/v9"
)

// RedisClient 限流脚本需要的命令子集，*redis.Client 直接满足
type RedisClient interface {
	redis.Scripter
}
