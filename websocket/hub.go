package websocket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectionLost 连接被移出所有房间，不作为用户错误返回
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnknownConnection 连接未注册或已关闭
	ErrUnknownConnection = errors.New("unknown connection")

	errSlowConsumer     = fmt.Errorf("%w: send buffer full", ErrConnectionLost)
	errHeartbeatTimeout = fmt.Errorf("%w: heartbeat timeout", ErrConnectionLost)
	errHubClosed        = fmt.Errorf("%w: hub closed", ErrConnectionLost)
)

const roomInbox = 256

// Options Hub 运行参数
type Options struct {
	SendBuffer       int
	HeartbeatTimeout time.Duration
	ReorderWindow    time.Duration
}

// Conn 一个实时连接。Send() 在连接被移除后关闭
type Conn struct {
	ID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	reason error

	lastSeen atomic.Int64
	rooms    map[string]struct{} // hub.mu 保护
}

func (c *Conn) Send() <-chan []byte { return c.send }

// Err 连接关闭原因，未关闭时为 nil
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue 要么全部放入要么都不放，缓冲区不足时返回 false
func (c *Conn) enqueue(frames ...[]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || cap(c.send)-len(c.send) < len(frames) {
		return false
	}
	for _, f := range frames {
		c.send <- f
	}
	return true
}

func (c *Conn) close(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	close(c.send)
	return true
}

// HubStats 运行状态快照
type HubStats struct {
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Stale         uint64 `json:"stale"`
	Dropped       uint64 `json:"dropped"`
	SlowConsumers uint64 `json:"slowConsumers"`
	Pruned        uint64 `json:"pruned"`
}

// Hub 按投票分房间的推送中心，每个房间一个 goroutine 负责排序和投递
type Hub struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]*room

	now func() time.Time

	published     atomic.Uint64
	delivered     atomic.Uint64
	stale         atomic.Uint64
	dropped       atomic.Uint64
	slowConsumers atomic.Uint64
	pruned        atomic.Uint64
}

func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.ReorderWindow < 0 {
		opts.ReorderWindow = 0
	}
	return &Hub{
		opts:  opts,
		conns: make(map[string]*Conn),
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Run 启动心跳清理，阻塞直到 ctx 结束，退出时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.pruneIdle()
		}
	}
}

// Register 登记新连接；connID 为空时生成一个，重复 ID 会替换旧连接
func (h *Hub) Register(connID string) *Conn {
	if connID == "" {
		connID = uuid.NewString()
	}
	c := &Conn{
		ID:    connID,
		send:  make(chan []byte, h.opts.SendBuffer),
		rooms: make(map[string]struct{}),
	}
	c.lastSeen.Store(h.now().UnixNano())

	h.mu.Lock()
	old := h.conns[connID]
	h.conns[connID] = c
	h.mu.Unlock()

	if old != nil {
		h.remove(old, ErrConnectionLost)
	}
	return c
}

// Join 重复加入同一房间不产生任何效果
func (h *Hub) Join(connID, pollID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if _, ok := c.rooms[pollID]; ok {
		return nil
	}
	r, ok := h.rooms[pollID]
	if !ok {
		r = newRoom(h, pollID)
		h.rooms[pollID] = r
		go r.run()
	}
	r.members[c] = struct{}{}
	c.rooms[pollID] = struct{}{}
	return nil
}

// Leave 不在房间内时直接返回
func (h *Hub) Leave(connID, pollID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return
	}
	h.leaveLocked(c, pollID)
}

func (h *Hub) leaveLocked(c *Conn, pollID string) {
	if _, ok := c.rooms[pollID]; !ok {
		return
	}
	delete(c.rooms, pollID)
	r := h.rooms[pollID]
	if r == nil {
		return
	}
	delete(r.members, c)
	if len(r.members) == 0 {
		delete(h.rooms, pollID)
		close(r.quit)
	}
}

// Sync 记录连接加入时快照的版本，之后只向它投递更新的版本。
// 房间还没有排序基线时以该版本为基线。
func (h *Hub) Sync(connID, pollID string, version int64) {
	h.mu.RLock()
	c := h.conns[connID]
	r := h.rooms[pollID]
	h.mu.RUnlock()
	if c == nil || r == nil {
		return
	}
	select {
	case r.inbox <- roomMsg{sync: &syncMsg{conn: c, version: version}}:
	default:
		h.dropped.Add(1)
	}
}

// Publish 不阻塞：房间不存在时丢弃；房间队列满时只保留最新的事件，
// 成员最终仍收到最新的结果
func (h *Hub) Publish(ev models.UpdateEvent) {
	h.published.Add(1)

	h.mu.RLock()
	r := h.rooms[ev.PollID]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	select {
	case r.inbox <- roomMsg{event: &ev}:
	default:
		h.dropped.Add(1)
		r.overflow(ev)
		logging.For("websocket", "Publish").WithFields(logrus.Fields{
			"poll_id": ev.PollID,
			"version": ev.Version,
		}).Warn("room inbox full, keeping latest event only")
	}
}

// Disconnect 把连接移出所有房间并关闭发送通道
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		h.remove(c, ErrConnectionLost)
	}
}

// Touch 收到客户端任意消息或 pong 时刷新心跳
func (h *Hub) Touch(connID string) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.lastSeen.Store(h.now().UnixNano())
	}
}

// Members 房间当前的连接 ID，按字典序
func (h *Hub) Members(pollID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rooms[pollID]
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for c := range r.members {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	conns, rooms := len(h.conns), len(h.rooms)
	h.mu.RUnlock()

	return HubStats{
		Connections:   conns,
		Rooms:         rooms,
		Published:     h.published.Load(),
		Delivered:     h.delivered.Load(),
		Stale:         h.stale.Load(),
		Dropped:       h.dropped.Load(),
		SlowConsumers: h.slowConsumers.Load(),
		Pruned:        h.pruned.Load(),
	}
}

func (h *Hub) remove(c *Conn, reason error) {
	h.mu.Lock()
	if cur, ok := h.conns[c.ID]; ok && cur == c {
		delete(h.conns, c.ID)
	}
	for pollID := range c.rooms {
		h.leaveLocked(c, pollID)
	}
	h.mu.Unlock()

	if c.close(reason) {
		logging.For("websocket", "remove").WithFields(logrus.Fields{
			"conn_id": c.ID,
			"reason":  reason,
		}).Debug("connection removed")
	}
}

func (h *Hub) pruneIdle() {
	deadline := h.now().Add(-h.opts.HeartbeatTimeout).UnixNano()

	h.mu.RLock()
	var idle []*Conn
	for _, c := range h.conns {
		if c.lastSeen.Load() < deadline {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.pruned.Add(1)
		h.remove(c, errHeartbeatTimeout)
	}
	if len(idle) > 0 {
		logging.For("websocket", "pruneIdle").WithField("count", len(idle)).Info("pruned idle connections")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c, errHubClosed)
	}
}

type syncMsg struct {
	conn    *Conn
	version int64
}

type roomMsg struct {
	event *models.UpdateEvent
	sync  *syncMsg
}

// room 的排序状态只由自己的 goroutine 访问；members 由 hub.mu 保护
type room struct {
	hub     *Hub
	pollID  string
	members map[*Conn]struct{}
	inbox   chan roomMsg
	quit    chan struct{}

	last    int64 // 已投递的最大版本，-1 表示还没有基线
	pending map[int64]models.UpdateEvent
	floors  map[*Conn]int64
	timer   *time.Timer

	// 队列满时溢出的事件，每种只留最新一个
	mu      sync.Mutex
	latest  *models.UpdateEvent
	closing *models.UpdateEvent
	kick    chan struct{}
}

func newRoom(h *Hub, pollID string) *room {
	return &room{
		hub:     h,
		pollID:  pollID,
		members: make(map[*Conn]struct{}),
		inbox:   make(chan roomMsg, roomInbox),
		quit:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		last:    -1,
		pending: make(map[int64]models.UpdateEvent),
		floors:  make(map[*Conn]int64),
	}
}

func (r *room) run() {
	defer r.stopTimer()
	for {
		var timeout <-chan time.Time
		if r.timer != nil {
			timeout = r.timer.C
		}

		select {
		case <-r.quit:
			return
		case msg := <-r.inbox:
			if msg.sync != nil {
				r.sync(msg.sync)
			} else if msg.event != nil {
				r.handle(*msg.event)
			}
		case <-r.kick:
			r.catchUp()
		case <-timeout:
			r.timer = nil
			r.flush()
		}
	}
}

func (r *room) overflow(ev models.UpdateEvent) {
	r.mu.Lock()
	if !ev.Ordered() {
		r.closing = &ev
	} else if r.latest == nil || ev.Version > r.latest.Version {
		r.latest = &ev
	}
	r.mu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// catchUp 投递溢出的最新事件；它之前缺失的版本已被丢弃，不再等待
func (r *room) catchUp() {
	r.mu.Lock()
	latest, closing := r.latest, r.closing
	r.latest, r.closing = nil, nil
	r.mu.Unlock()

	if latest != nil {
		if r.last < 0 || latest.Version > r.last {
			r.pending[latest.Version] = *latest
			r.flush()
		} else {
			r.hub.stale.Add(1)
		}
	}
	if closing != nil {
		r.deliver(*closing)
	}
}

func (r *room) sync(m *syncMsg) {
	if r.last < 0 {
		r.last = m.version
	}
	if m.version > r.floors[m.conn] {
		r.floors[m.conn] = m.version
	}
	r.drain()
}

func (r *room) handle(ev models.UpdateEvent) {
	if !ev.Ordered() {
		r.deliver(ev)
		return
	}
	if r.last < 0 {
		r.last = ev.Version - 1
	}

	switch {
	case ev.Version <= r.last:
		r.hub.stale.Add(1)
	case ev.Version == r.last+1:
		r.deliver(ev)
		r.last = ev.Version
		r.drain()
	default:
		if _, dup := r.pending[ev.Version]; dup {
			r.hub.stale.Add(1)
			return
		}
		r.pending[ev.Version] = ev
		if r.hub.opts.ReorderWindow == 0 {
			r.flush()
			return
		}
		if r.timer == nil {
			r.timer = time.NewTimer(r.hub.opts.ReorderWindow)
		}
	}
}

// drain 投递与已投递版本连续的缓存事件
func (r *room) drain() {
	for {
		ev, ok := r.pending[r.last+1]
		if !ok {
			break
		}
		delete(r.pending, ev.Version)
		r.deliver(ev)
		r.last = ev.Version
	}
	for v := range r.pending {
		if v <= r.last {
			delete(r.pending, v)
			r.hub.stale.Add(1)
		}
	}
	if len(r.pending) == 0 {
		r.stopTimer()
	}
}

// flush 等待超时后放弃缺失的版本，按版本顺序投递缓存事件
func (r *room) flush() {
	versions := make([]int64, 0, len(r.pending))
	for v := range r.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		r.deliver(r.pending[v])
		r.last = v
		delete(r.pending, v)
	}
	r.stopTimer()
}

func (r *room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *room) deliver(ev models.UpdateEvent) {
	frames, err := ev.Frames()
	if err != nil {
		logging.For("websocket", "deliver").WithError(err).WithField("poll_id", r.pollID).Error("encode frames failed")
		return
	}

	r.hub.mu.RLock()
	members := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	r.hub.mu.RUnlock()

	var slow []*Conn
	live := make(map[*Conn]struct{}, len(members))
	for _, c := range members {
		live[c] = struct{}{}
		if ev.Ordered() && ev.Version <= r.floors[c] {
			continue
		}
		if c.enqueue(frames...) {
			r.hub.delivered.Add(1)
			continue
		}
		if c.Err() == nil {
			slow = append(slow, c)
		}
	}

	for c := range r.floors {
		if _, ok := live[c]; !ok {
			delete(r.floors, c)
		}
	}

	// 慢连接只影响自己
	for _, c := range slow {
		r.hub.slowConsumers.Add(1)
		logging.For("websocket", "deliver").WithFields(logrus.Fields{
			"poll_id": r.pollID,
			"conn_id": c.ID,
		}).Warn("slow consumer dropped")
		r.hub.remove(c, errSlowConsumer)
	}
}
