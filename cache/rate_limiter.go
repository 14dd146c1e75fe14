package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 令牌桶脚本：按毫秒补充令牌，桶满后两倍周期无访问自动过期
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1] .. ":tokens"
local timestamp_key = KEYS[1] .. ":ts"
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = math.ceil(burst / rate) * 2

local tokens = tonumber(redis.call("get", tokens_key) or burst)
local last_update = tonumber(redis.call("get", timestamp_key) or now)

local elapsed = math.max(0, now - last_update) / 1000
local new_tokens = math.min(burst, tokens + elapsed * rate)

if new_tokens < 1 then
	return 0
end

new_tokens = new_tokens - 1
redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)
return 1
`)

// TokenBucketRateLimiter 基于 Redis 的令牌桶，多实例共享配额
type TokenBucketRateLimiter struct {
	redisClient RedisClient
	key         string
	rate        int // 每秒生成的令牌数量
	burst       int // 令牌桶最大容量
	now         func() time.Time
}

func NewTokenBucketRateLimiter(client RedisClient, key string, rate, burst int) *TokenBucketRateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	return &TokenBucketRateLimiter{
		redisClient: client,
		key:         fmt.Sprintf("rate_limit:%s", key),
		rate:        rate,
		burst:       burst,
		now:         time.Now,
	}
}

// Allow 消耗 suffix 对应桶里的一个令牌；suffix 为空时使用公共桶
func (l *TokenBucketRateLimiter) Allow(ctx context.Context, suffix string) (bool, error) {
	if l.redisClient == nil {
		return false, ErrRedisNotAvailable
	}
	key := l.key
	if suffix != "" {
		key += ":" + suffix
	}

	result, err := tokenBucketScript.Run(ctx, l.redisClient, []string{key}, l.now().UnixMilli(), l.rate, l.burst).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// UserRateLimiter 先检查全局桶再检查用户桶
type UserRateLimiter struct {
	global *TokenBucketRateLimiter
	user   *TokenBucketRateLimiter
}

func NewUserRateLimiter(client RedisClient, keyPrefix string, globalRate, userRate int) *UserRateLimiter {
	return &UserRateLimiter{
		global: NewTokenBucketRateLimiter(client, keyPrefix+":global", globalRate, globalRate*2),
		user:   NewTokenBucketRateLimiter(client, keyPrefix+":user", userRate, userRate),
	}
}

func (l *UserRateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	allowed, err := l.global.Allow(ctx, "")
	if err != nil || !allowed {
		return allowed, err
	}
	return l.user.Allow(ctx, userID)
}
