package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"realtime-poll-backend/logging"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// DistributedLockService 基于 redsync 的跨实例互斥
type DistributedLockService struct {
	rs *redsync.Redsync
}

func NewDistributedLockService(client *redis.Client) *DistributedLockService {
	return &DistributedLockService{rs: redsync.New(goredis.NewPool(client))}
}

// WithLock 只尝试一次，锁被占用时返回 ErrLockNotAcquired
func (s *DistributedLockService) WithLock(ctx context.Context, lockName string, expiry time.Duration, action func(ctx context.Context) error) error {
	mutex := s.rs.NewMutex("lock:"+lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(1),
		redsync.WithDriftFactor(0.01),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLockNotAcquired, err)
	}
	defer func() {
		// ctx 可能已经结束，解锁单独给超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			logging.For("cache", "WithLock").WithError(err).WithField("lock", lockName).Warn("unlock failed")
		}
	}()

	return action(ctx)
}

// LocalLocker 进程内互斥，语义与 DistributedLockService 相同
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) WithLock(ctx context.Context, lockName string, _ time.Duration, action func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[lockName]
	if !ok {
		m = &sync.Mutex{}
		l.locks[lockName] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return ErrLockNotAcquired
	}
	defer m.Unlock()
	return action(ctx)
}
