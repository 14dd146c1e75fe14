package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"realtime-poll-backend/models"
)

// Publisher 接收已提交的更新事件。Publish 不能阻塞调用方。
type Publisher interface {
	Publish(ev models.UpdateEvent)
}

// Bus 把事件送到所有服务实例的 Hub，包括发送方自己
type Bus interface {
	Publisher
	// Start 开始消费，收到的事件交给 sink（通常是本实例的 Hub）
	Start(ctx context.Context, sink Publisher) error
	Close() error
	Name() string
	Stats() BusStats
}

type BusStats struct {
	Backend   string `json:"backend"`
	Published int64  `json:"published"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
	Failed    int64  `json:"failed"`
}

// PublisherFunc 适配普通函数
type PublisherFunc func(ev models.UpdateEvent)

func (f PublisherFunc) Publish(ev models.UpdateEvent) { f(ev) }

// Fanout 依次转发给多个 Publisher
type Fanout []Publisher

func (f Fanout) Publish(ev models.UpdateEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

const tagPollUpdate = "poll-update"

func encodeEvent(ev models.UpdateEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode update event: %w", err)
	}
	return body, nil
}

func decodeEvent(body []byte) (models.UpdateEvent, error) {
	var ev models.UpdateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode update event: %w", err)
	}
	if ev.PollID == "" {
		return ev, fmt.Errorf("decode update event: missing pollId")
	}
	return ev, nil
}
