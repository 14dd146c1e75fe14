package mq

import (
	"context"
	"sync"
	"sync/atomic"

	"realtime-poll-backend/config"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/redis/go-redis/v9"
)

// LocalBus 单实例部署时直接把事件交给本进程的 Hub
type LocalBus struct {
	mu        sync.RWMutex
	sink      Publisher
	published int64
	dropped   int64
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ev models.UpdateEvent) {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	if sink == nil {
		atomic.AddInt64(&b.dropped, 1)
		return
	}
	atomic.AddInt64(&b.published, 1)
	sink.Publish(ev)
}

func (b *LocalBus) Start(_ context.Context, sink Publisher) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Name() string { return "local" }

func (b *LocalBus) Stats() BusStats {
	p := atomic.LoadInt64(&b.published)
	return BusStats{Backend: b.Name(), Published: p, Delivered: p, Dropped: atomic.LoadInt64(&b.dropped)}
}

// NewBus 按 EVENT_BUS 选择事件总线并启动，外部总线不可用时退回进程内模式
func NewBus(ctx context.Context, cfg *config.Config, redisClient *redis.Client, sink Publisher) Bus {
	log := logging.For("mq", "NewBus")

	var bus Bus
	switch cfg.EventBus {
	case "redis":
		if redisClient == nil {
			log.Warn("redis not available, falling back to local event bus")
			break
		}
		bus = NewRedisBus(redisClient, cfg.RedisEventChannel, cfg.SendBuffer*16)
	case "rocketmq":
		rb, err := NewRocketBus(cfg.RocketMQNameSrv, cfg.RocketMQGroup, cfg.SendBuffer*16)
		if err != nil {
			log.WithError(err).Warn("rocketmq not available, falling back to local event bus")
			break
		}
		bus = rb
	}

	if bus != nil {
		err := bus.Start(ctx, sink)
		if err == nil {
			return bus
		}
		log.WithError(err).WithField("backend", bus.Name()).Warn("start event bus failed, falling back to local")
		_ = bus.Close()
	}

	local := NewLocalBus()
	_ = local.Start(ctx, sink)
	log.Info("using local event bus")
	return local
}
