package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"realtime-poll-backend/config"
	"realtime-poll-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.UpdateEvent
}

func (r *recorder) Publish(ev models.UpdateEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []models.UpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.UpdateEvent(nil), r.events...)
}

func TestLocalBus(t *testing.T) {
	bus := NewLocalBus()
	rec := &recorder{}

	bus.Publish(models.UpdateEvent{PollID: "p1", Version: 1})
	require.NoError(t, bus.Start(context.Background(), rec))
	bus.Publish(models.UpdateEvent{PollID: "p1", Version: 2})

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Version)

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, nil, b}
	f.Publish(models.UpdateEvent{PollID: "p1"})
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
}

func TestEventCodec(t *testing.T) {
	ev := models.UpdateEvent{
		Kind:       models.EventPollUpdated,
		PollID:     "p1",
		Version:    3,
		TotalVotes: 3,
		Options:    []models.PollOption{{ID: "a", VoteCount: 3, Percentage: 100}},
		OptionIDs:  []string{"a"},
		At:         time.Now().UTC().Truncate(time.Millisecond),
	}
	body, err := encodeEvent(ev)
	require.NoError(t, err)

	got, err := decodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, ev.PollID, got.PollID)
	assert.Equal(t, ev.Version, got.Version)
	assert.True(t, ev.At.Equal(got.At))

	_, err = decodeEvent([]byte(`{"version":1}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestOutboxSendsInOrder(t *testing.T) {
	var mu sync.Mutex
	var sent []int64
	o := newOutbox("test", 8, func(_ context.Context, ev models.UpdateEvent, _ []byte) error {
		mu.Lock()
		sent = append(sent, ev.Version)
		mu.Unlock()
		return nil
	})
	o.start()
	for v := int64(1); v <= 5; v++ {
		assert.True(t, o.enqueue(models.UpdateEvent{PollID: "p", Version: v}))
	}
	o.close(time.Second)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sent)
	published, dropped, failed := o.stats()
	assert.Equal(t, int64(5), published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)

	assert.False(t, o.enqueue(models.UpdateEvent{PollID: "p", Version: 6}))
}

func TestOutboxDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	o := newOutbox("test", 1, func(_ context.Context, _ models.UpdateEvent, _ []byte) error {
		<-release
		return errors.New("broker down")
	})
	o.start()

	// 第一条被发送协程取走并阻塞，第二条占满队列，第三条被丢弃
	require.True(t, o.enqueue(models.UpdateEvent{PollID: "p", Version: 1}))
	require.Eventually(t, func() bool { return len(o.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, o.enqueue(models.UpdateEvent{PollID: "p", Version: 2}))

	start := time.Now()
	assert.False(t, o.enqueue(models.UpdateEvent{PollID: "p", Version: 3}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	o.close(time.Second)
	_, dropped, failed := o.stats()
	assert.Equal(t, int64(1), dropped)
	assert.Equal(t, int64(2), failed)
}

func TestNewBusFallsBackToLocal(t *testing.T) {
	rec := &recorder{}
	cfg := &config.Config{EventBus: "redis", SendBuffer: 4}

	bus := NewBus(context.Background(), cfg, nil, rec)
	defer bus.Close()

	assert.Equal(t, "local", bus.Name())
	bus.Publish(models.UpdateEvent{PollID: "p1", Version: 1})
	assert.Len(t, rec.snapshot(), 1)
}
