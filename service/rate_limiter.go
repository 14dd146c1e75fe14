package service

import (
	"context"
)

// RateLimiter 按 key（用户 ID）限流
type RateLimiter interface {
	// Allow 检查请求是否允许通过
	Allow(ctx context.Context, key string) (bool, error)
}
