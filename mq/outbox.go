package mq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/sirupsen/logrus"
)

// sendFunc 把一条已编码事件发往外部总线
type sendFunc func(ctx context.Context, ev models.UpdateEvent, body []byte) error

// outbox 有界发送队列加单个发送协程，投票请求只负责入队
type outbox struct {
	name        string
	queue       chan models.UpdateEvent
	send        sendFunc
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	published int64
	dropped   int64
	failed    int64
}

func newOutbox(name string, size int, send sendFunc) *outbox {
	if size <= 0 {
		size = 1024
	}
	return &outbox{
		name:        name,
		queue:       make(chan models.UpdateEvent, size),
		send:        send,
		sendTimeout: 3 * time.Second,
	}
}

func (o *outbox) start() {
	o.wg.Add(1)
	go o.run()
}

func (o *outbox) run() {
	defer o.wg.Done()
	log := logging.For("mq", o.name+".outbox")

	for ev := range o.queue {
		body, err := encodeEvent(ev)
		if err != nil {
			atomic.AddInt64(&o.failed, 1)
			log.WithError(err).Error("drop unencodable event")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.sendTimeout)
		err = o.send(ctx, ev, body)
		cancel()
		if err != nil {
			atomic.AddInt64(&o.failed, 1)
			log.WithFields(logrus.Fields{"poll_id": ev.PollID, "version": ev.Version, "error": err}).
				Error("publish update event failed")
			continue
		}
		atomic.AddInt64(&o.published, 1)
	}
}

// enqueue 队列满或已关闭时丢弃并返回 false
func (o *outbox) enqueue(ev models.UpdateEvent) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		atomic.AddInt64(&o.dropped, 1)
		return false
	}
	select {
	case o.queue <- ev:
		return true
	default:
		atomic.AddInt64(&o.dropped, 1)
		logging.For("mq", o.name+".outbox").
			WithFields(logrus.Fields{"poll_id": ev.PollID, "version": ev.Version}).
			Warn("outbox full, update event dropped")
		return false
	}
}

// close 停止入队并等待已入队事件发送完毕
func (o *outbox) close(wait time.Duration) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		logging.For("mq", o.name+".outbox").Warn("outbox drain timed out")
	}
}

func (o *outbox) stats() (published, dropped, failed int64) {
	return atomic.LoadInt64(&o.published), atomic.LoadInt64(&o.dropped), atomic.LoadInt64(&o.failed)
}
