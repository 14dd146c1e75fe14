package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"realtime-poll-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type framePayload struct {
	PollID     string   `json:"pollId"`
	Version    int64    `json:"version"`
	TotalVotes int64    `json:"totalVotes"`
	OptionIDs  []string `json:"optionIds"`
	Results    struct {
		TotalVotes int64 `json:"totalVotes"`
	} `json:"results"`
}

func readFrame(t *testing.T, c *Conn) (string, framePayload) {
	t.Helper()
	select {
	case msg, ok := <-c.Send():
		require.True(t, ok, "connection closed")
		var f models.Frame
		require.NoError(t, json.Unmarshal(msg, &f))
		var p framePayload
		require.NoError(t, json.Unmarshal(f.Data, &p))
		return f.Event, p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return "", framePayload{}
	}
}

func assertNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.Send():
		t.Fatalf("unexpected frame %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// readVote 读取一次投票产生的 poll-updated + vote-cast
func readVote(t *testing.T, c *Conn) int64 {
	t.Helper()
	event, p := readFrame(t, c)
	require.Equal(t, models.EventPollUpdated, event)
	cast, q := readFrame(t, c)
	require.Equal(t, models.EventVoteCast, cast)
	require.Equal(t, p.Version, q.Version)
	assert.Equal(t, p.Results.TotalVotes, q.TotalVotes)
	return p.Version
}

func voteEvent(pollID string, version int64) models.UpdateEvent {
	return models.UpdateEvent{
		Kind:       models.EventPollUpdated,
		PollID:     pollID,
		Version:    version,
		TotalVotes: version,
		OptionIDs:  []string{"a"},
		At:         time.Now(),
	}
}

func newTestHub(window time.Duration) *Hub {
	return NewHub(Options{SendBuffer: 16, HeartbeatTimeout: time.Minute, ReorderWindow: window})
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	hub := newTestHub(time.Second)
	c := hub.Register("c1")

	require.NoError(t, hub.Join("c1", "p1"))
	require.NoError(t, hub.Join("c1", "p1"))
	assert.Equal(t, []string{"c1"}, hub.Members("p1"))
	hub.Sync("c1", "p1", 0)

	hub.Publish(voteEvent("p1", 1))
	assert.Equal(t, int64(1), readVote(t, c))
	assertNoFrame(t, c)
}

func TestHub_JoinUnknownConnection(t *testing.T) {
	hub := newTestHub(time.Second)
	assert.ErrorIs(t, hub.Join("nobody", "p1"), ErrUnknownConnection)
}

func TestHub_LeaveAndRejoin(t *testing.T) {
	hub := newTestHub(time.Second)
	c := hub.Register("c1")

	hub.Leave("c1", "p1")
	require.NoError(t, hub.Join("c1", "p1"))
	hub.Sync("c1", "p1", 0)
	hub.Leave("c1", "p1")
	hub.Leave("c1", "p1")
	assert.Empty(t, hub.Members("p1"))
	assert.Zero(t, hub.Stats().Rooms)

	hub.Publish(voteEvent("p1", 1))
	assertNoFrame(t, c)

	require.NoError(t, hub.Join("c1", "p1"))
	hub.Sync("c1", "p1", 1)
	hub.Publish(voteEvent("p1", 2))
	assert.Equal(t, int64(2), readVote(t, c))
}

func TestHub_MultipleRooms(t *testing.T) {
	hub := newTestHub(time.Second)
	c := hub.Register("c1")
	require.NoError(t, hub.Join("c1", "p1"))
	require.NoError(t, hub.Join("c1", "p2"))
	hub.Sync("c1", "p1", 0)
	hub.Sync("c1", "p2", 0)

	hub.Publish(voteEvent("p2", 1))
	_, p := readFrame(t, c)
	assert.Equal(t, "p2", p.PollID)
	_, _ = readFrame(t, c)

	hub.Publish(voteEvent("p3", 1))
	assertNoFrame(t, c)
}

func TestHub_DisconnectRemovesFromAllRooms(t *testing.T) {
	hub := newTestHub(time.Second)
	gone := hub.Register("gone")
	stay := hub.Register("stay")
	for _, id := range []string{"gone", "stay"} {
		require.NoError(t, hub.Join(id, "p1"))
		hub.Sync(id, "p1", 0)
	}
	require.NoError(t, hub.Join("gone", "p2"))

	hub.Disconnect("gone")
	hub.Disconnect("gone")

	_, open := <-gone.Send()
	assert.False(t, open)
	assert.ErrorIs(t, gone.Err(), ErrConnectionLost)
	assert.Equal(t, []string{"stay"}, hub.Members("p1"))
	assert.Empty(t, hub.Members("p2"))
	assert.ErrorIs(t, hub.Join("gone", "p1"), ErrUnknownConnection)

	hub.Publish(voteEvent("p1", 1))
	assert.Equal(t, int64(1), readVote(t, stay))

	stats := hub.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Rooms)
	assert.Zero(t, stats.SlowConsumers)
}

func TestHub_ReordersOutOfOrderVersions(t *testing.T) {
	hub := newTestHub(time.Second)
	a := hub.Register("a")
	b := hub.Register("b")
	for _, id := range []string{"a", "b"} {
		require.NoError(t, hub.Join(id, "p1"))
		hub.Sync(id, "p1", 0)
	}

	// 两个并发投票，提交顺序 1、2，到达顺序 2、1
	hub.Publish(voteEvent("p1", 2))
	hub.Publish(voteEvent("p1", 1))

	for _, c := range []*Conn{a, b} {
		assert.Equal(t, int64(1), readVote(t, c))
		assert.Equal(t, int64(2), readVote(t, c))
		assertNoFrame(t, c)
	}
}

func TestHub_DropsStaleAndDuplicateVersions(t *testing.T) {
	hub := newTestHub(time.Second)
	c := hub.Register("c1")
	require.NoError(t, hub.Join("c1", "p1"))
	hub.Sync("c1", "p1", 3)

	hub.Publish(voteEvent("p1", 2))
	hub.Publish(voteEvent("p1", 4))
	hub.Publish(voteEvent("p1", 4))

	assert.Equal(t, int64(4), readVote(t, c))
	assertNoFrame(t, c)
	assert.Equal(t, uint64(2), hub.Stats().Stale)
}

func TestHub_GapFlushedAfterWindow(t *testing.T) {
	hub := newTestHub(50 * time.Millisecond)
	c := hub.Register("c1")
	require.NoError(t, hub.Join("c1", "p1"))
	hub.Sync("c1", "p1", 0)

	hub.Publish(voteEvent("p1", 1))
	hub.Publish(voteEvent("p1", 3))
	assert.Equal(t, int64(1), readVote(t, c))
	// 版本 2 丢失，窗口到期后继续投递 3
	assert.Equal(t, int64(3), readVote(t, c))

	hub.Publish(voteEvent("p1", 2))
	hub.Publish(voteEvent("p1", 4))
	assert.Equal(t, int64(4), readVote(t, c))
}

func TestHub_LateJoinerOnlyGetsNewerVersions(t *testing.T) {
	hub := newTestHub(time.Second)
	early := hub.Register("early")
	late := hub.Register("late")

	require.NoError(t, hub.Join("early", "p1"))
	hub.Sync("early", "p1", 2)
	require.NoError(t, hub.Join("late", "p1"))
	hub.Sync("late", "p1", 4)

	for v := int64(3); v <= 5; v++ {
		hub.Publish(voteEvent("p1", v))
	}

	assert.Equal(t, int64(3), readVote(t, early))
	assert.Equal(t, int64(4), readVote(t, early))
	assert.Equal(t, int64(5), readVote(t, early))
	assert.Equal(t, int64(5), readVote(t, late))
	assertNoFrame(t, late)
}

func TestHub_PollClosedBypassesOrdering(t *testing.T) {
	hub := newTestHub(time.Second)
	c := hub.Register("c1")
	require.NoError(t, hub.Join("c1", "p1"))
	hub.Sync("c1", "p1", 5)

	hub.Publish(models.UpdateEvent{Kind: models.EventPollClosed, PollID: "p1", Version: 5, TotalVotes: 5})
	event, p := readFrame(t, c)
	assert.Equal(t, models.EventPollClosed, event)
	assert.Equal(t, int64(5), p.Version)
}

func TestHub_SlowConsumerIsolation(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 32, HeartbeatTimeout: time.Minute, ReorderWindow: time.Second})
	slow := hub.Register("slow")
	fast := hub.Register("fast")
	for _, id := range []string{"slow", "fast"} {
		require.NoError(t, hub.Join(id, "p1"))
		hub.Sync(id, "p1", 0)
	}
	// 模拟一个停止读取的客户端：缓冲区只剩一个空位
	for i := 0; i < 31; i++ {
		require.True(t, slow.enqueue([]byte(`{}`)))
	}

	const votes = 10
	start := time.Now()
	for v := int64(1); v <= votes; v++ {
		hub.Publish(voteEvent("p1", v))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publish must not block")

	for v := int64(1); v <= votes; v++ {
		assert.Equal(t, v, readVote(t, fast))
	}
	require.Eventually(t, func() bool { return slow.Err() != nil }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, slow.Err(), ErrConnectionLost)
	assert.Equal(t, []string{"fast"}, hub.Members("p1"))
	assert.Equal(t, uint64(1), hub.Stats().SlowConsumers)
}

func TestHub_PrunesConnectionsWithoutHeartbeat(t *testing.T) {
	hub := newTestHub(time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	idle := hub.Register("idle")
	alive := hub.Register("alive")
	require.NoError(t, hub.Join("idle", "p1"))
	require.NoError(t, hub.Join("alive", "p1"))

	now = now.Add(45 * time.Second)
	hub.Touch("alive")
	now = now.Add(30 * time.Second)
	hub.pruneIdle()

	assert.ErrorIs(t, idle.Err(), ErrConnectionLost)
	assert.NoError(t, alive.Err())
	assert.Equal(t, []string{"alive"}, hub.Members("p1"))
	assert.Equal(t, uint64(1), hub.Stats().Pruned)
}

func TestHub_RegisterReplacesDuplicateID(t *testing.T) {
	hub := newTestHub(time.Second)
	first := hub.Register("same")
	require.NoError(t, hub.Join("same", "p1"))

	second := hub.Register("same")
	assert.ErrorIs(t, first.Err(), ErrConnectionLost)
	assert.NoError(t, second.Err())
	assert.Empty(t, hub.Members("p1"))
	assert.Equal(t, 1, hub.Stats().Connections)
}

func TestHub_FullInboxKeepsLatestEvent(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 2048, HeartbeatTimeout: time.Minute, ReorderWindow: time.Second})
	c := hub.Register("c1")

	// 房间先不启动，模拟处理不过来
	r := newRoom(hub, "p1")
	hub.mu.Lock()
	hub.rooms["p1"] = r
	r.members[c] = struct{}{}
	c.rooms["p1"] = struct{}{}
	hub.mu.Unlock()

	final := int64(roomInbox + 5)
	for v := int64(1); v <= final; v++ {
		hub.Publish(voteEvent("p1", v))
	}
	hub.Publish(models.UpdateEvent{Kind: models.EventPollClosed, PollID: "p1", Version: final, TotalVotes: final})
	assert.Equal(t, uint64(6), hub.Stats().Dropped)

	go r.run()
	t.Cleanup(func() { hub.Leave("c1", "p1") })

	var (
		last   int64
		closed bool
	)
	for last < final || !closed {
		event, p := readFrame(t, c)
		switch event {
		case models.EventPollClosed:
			closed = true
		case models.EventPollUpdated:
			require.Greater(t, p.Version, last)
			last = p.Version
		}
	}
	assert.Equal(t, final, last)
}
