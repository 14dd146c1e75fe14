package service

import (
	"context"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
	"realtime-poll-backend/mq"
	"realtime-poll-backend/repository"
)

const expirySweepLock = "poll-expiry-sweeper"

// Locker 跨实例互斥，锁被占用时返回错误且不执行 action
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, action func(ctx context.Context) error) error
}

// ExpirySweeper 定期找出已过结束时间的投票，每个投票只推送一次 poll-closed
type ExpirySweeper struct {
	store     repository.Store
	publisher mq.Publisher
	locker    Locker
	interval  time.Duration
	batch     int
	now       func() time.Time
}

// NewExpirySweeper locker 为 nil 时不加锁，MarkClosedNotified 仍保证只推送一次
func NewExpirySweeper(store repository.Store, publisher mq.Publisher, locker Locker, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		store:     store,
		publisher: publisher,
		locker:    locker,
		interval:  interval,
		batch:     100,
		now:       time.Now,
	}
}

// Run 阻塞直到 ctx 结束
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logging.For("service", "ExpirySweeper.Run").WithError(err).Debug("sweep skipped")
			}
		}
	}
}

// Sweep 执行一轮检查，返回本轮推送的关闭事件数
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	announced := 0
	sweep := func(ctx context.Context) error {
		log := logging.For("service", "ExpirySweeper.Sweep")

		polls, err := s.store.ExpiredUnannounced(ctx, s.batch)
		if err != nil {
			return err
		}
		for _, p := range polls {
			marked, err := s.store.MarkClosedNotified(ctx, p.ID)
			if err != nil {
				log.WithError(err).WithField("poll_id", p.ID).Warn("mark poll closed failed")
				continue
			}
			if !marked {
				continue
			}
			s.publisher.Publish(models.UpdateEvent{
				Kind:       models.EventPollClosed,
				PollID:     p.ID,
				Version:    p.Version,
				Options:    p.Options,
				TotalVotes: p.TotalVotes,
				At:         s.now(),
			})
			announced++
		}
		if announced > 0 {
			log.WithField("count", announced).Info("announced closed polls")
		}
		return nil
	}

	if s.locker == nil {
		return announced, sweep(ctx)
	}
	err := s.locker.WithLock(ctx, expirySweepLock, s.interval, sweep)
	return announced, err
}
