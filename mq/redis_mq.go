package mq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/redis/go-redis/v9"
)

// RedisBus 基于 Redis pub/sub 的事件总线。
// 每个实例（包括发送方）都订阅同一频道，本实例的 Hub 也从频道收事件。
type RedisBus struct {
	client    *redis.Client
	channel   string
	out       *outbox
	sub       *redis.PubSub
	delivered int64
}

func NewRedisBus(client *redis.Client, channel string, buffer int) *RedisBus {
	b := &RedisBus{client: client, channel: channel}
	b.out = newOutbox("redis", buffer, func(ctx context.Context, _ models.UpdateEvent, body []byte) error {
		return client.Publish(ctx, channel, body).Err()
	})
	return b
}

func (b *RedisBus) Publish(ev models.UpdateEvent) {
	b.out.enqueue(ev)
}

func (b *RedisBus) Start(ctx context.Context, sink Publisher) error {
	log := logging.For("mq", "RedisBus.Start")

	b.sub = b.client.Subscribe(ctx, b.channel)
	// 等待订阅确认，避免启动后最早的事件丢失
	if _, err := b.sub.Receive(ctx); err != nil {
		_ = b.sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		for msg := range b.sub.Channel() {
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				log.WithError(err).Warn("skip malformed message")
				continue
			}
			atomic.AddInt64(&b.delivered, 1)
			sink.Publish(ev)
		}
	}()

	b.out.start()
	log.WithField("channel", b.channel).Info("redis event bus started")
	return nil
}

func (b *RedisBus) Close() error {
	b.out.close(5 * time.Second)
	if b.sub != nil {
		return b.sub.Close()
	}
	return nil
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Stats() BusStats {
	published, dropped, failed := b.out.stats()
	return BusStats{
		Backend:   b.Name(),
		Published: published,
		Delivered: atomic.LoadInt64(&b.delivered),
		Dropped:   dropped,
		Failed:    failed,
	}
}
