package mq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TopicPollUpdates 投票更新事件主题
const TopicPollUpdates = "poll_updates"

// RocketBus 基于 RocketMQ 广播消费的事件总线，每个实例都会收到全部事件
type RocketBus struct {
	producer  rocketmq.Producer
	consumer  rocketmq.PushConsumer
	topic     string
	out       *outbox
	delivered int64
}

// NewRocketBus 创建生产者和广播模式的消费者，Start 之前不会连接
func NewRocketBus(nameServer, group string, buffer int) (*RocketBus, error) {
	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{nameServer}),
		producer.WithGroupName(group+"_producer"),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer([]string{nameServer}),
		consumer.WithGroupName(group),
		consumer.WithConsumerModel(consumer.BroadCasting),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
		consumer.WithInstance(uuid.NewString()),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq consumer: %w", err)
	}

	b := &RocketBus{producer: p, consumer: c, topic: TopicPollUpdates}
	b.out = newOutbox("rocketmq", buffer, b.send)
	return b, nil
}

func (b *RocketBus) send(ctx context.Context, ev models.UpdateEvent, body []byte) error {
	msg := primitive.NewMessage(b.topic, body)
	msg.WithTag(tagPollUpdate)
	msg.WithKeys([]string{fmt.Sprintf("%s:%d", ev.PollID, ev.Version)})
	// 同一投票的事件进入同一队列
	msg.WithShardingKey(ev.PollID)

	_, err := b.producer.SendSync(ctx, msg)
	return err
}

func (b *RocketBus) Publish(ev models.UpdateEvent) {
	b.out.enqueue(ev)
}

func (b *RocketBus) Start(ctx context.Context, sink Publisher) error {
	log := logging.For("mq", "RocketBus.Start")

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: tagPollUpdate}
	err := b.consumer.Subscribe(b.topic, selector, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			ev, err := decodeEvent(m.Body)
			if err != nil {
				log.WithFields(logrus.Fields{"msg_id": m.MsgId, "error": err}).Warn("skip malformed message")
				continue
			}
			atomic.AddInt64(&b.delivered, 1)
			sink.Publish(ev)
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	if err := b.consumer.Start(); err != nil {
		return fmt.Errorf("start rocketmq consumer: %w", err)
	}
	if err := b.producer.Start(); err != nil {
		_ = b.consumer.Shutdown()
		return fmt.Errorf("start rocketmq producer: %w", err)
	}

	b.out.start()
	log.WithField("topic", b.topic).Info("rocketmq event bus started")
	return nil
}

func (b *RocketBus) Close() error {
	b.out.close(5 * time.Second)
	perr := b.producer.Shutdown()
	cerr := b.consumer.Shutdown()
	if perr != nil {
		return perr
	}
	return cerr
}

func (b *RocketBus) Name() string { return "rocketmq" }

func (b *RocketBus) Stats() BusStats {
	published, dropped, failed := b.out.stats()
	return BusStats{
		Backend:   b.Name(),
		Published: published,
		Delivered: atomic.LoadInt64(&b.delivered),
		Dropped:   dropped,
		Failed:    failed,
	}
}
