package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localLimiterIdle = 10 * time.Minute

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalRateLimiter 单实例部署（未配置 Redis）时的进程内限流
type LocalRateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	users     map[string]*localEntry
	userRate  rate.Limit
	userBurst int
	lastPrune time.Time
	now       func() time.Time
}

func NewLocalRateLimiter(globalRate, userRate int) *LocalRateLimiter {
	if globalRate <= 0 {
		globalRate = 100
	}
	if userRate <= 0 {
		userRate = 10
	}
	return &LocalRateLimiter{
		global:    rate.NewLimiter(rate.Limit(globalRate), globalRate*2),
		users:     make(map[string]*localEntry),
		userRate:  rate.Limit(userRate),
		userBurst: userRate,
		now:       time.Now,
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	entry, ok := l.users[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.userRate, l.userBurst)}
		l.users[key] = entry
	}
	entry.lastSeen = now

	if !l.global.AllowN(now, 1) {
		return false, nil
	}
	return entry.limiter.AllowN(now, 1), nil
}

// prune 清理长时间没有请求的用户桶
func (l *LocalRateLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now
	for key, e := range l.users {
		if now.Sub(e.lastSeen) > localLimiterIdle {
			delete(l.users, key)
		}
	}
}
