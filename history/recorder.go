package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
)

// ErrArchiveDisabled 未配置 MONGODB_URI
var ErrArchiveDisabled = errors.New("tally history archive not configured")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Snapshot 某个版本提交后的计票状态
type Snapshot struct {
	PollID     string        `bson:"pollId" json:"pollId"`
	Version    int64         `bson:"version" json:"version"`
	Kind       string        `bson:"kind" json:"kind"`
	TotalVotes int64         `bson:"totalVotes" json:"totalVotes"`
	Options    []OptionCount `bson:"options" json:"options"`
	At         time.Time     `bson:"at" json:"at"`
}

type OptionCount struct {
	OptionID  string `bson:"optionId" json:"optionId"`
	Text      string `bson:"text" json:"text"`
	VoteCount int64  `bson:"voteCount" json:"voteCount"`
}

// Store 快照的持久化后端
type Store interface {
	Insert(ctx context.Context, snapshots []Snapshot) error
	List(ctx context.Context, pollID string, limit int) ([]Snapshot, error)
}

// FromEvent 把推送事件转成快照
func FromEvent(ev models.UpdateEvent) Snapshot {
	snap := Snapshot{
		PollID:     ev.PollID,
		Version:    ev.Version,
		Kind:       ev.Kind,
		TotalVotes: ev.TotalVotes,
		Options:    make([]OptionCount, 0, len(ev.Options)),
		At:         ev.At.UTC(),
	}
	for _, o := range ev.Options {
		snap.Options = append(snap.Options, OptionCount{OptionID: o.ID, Text: o.Text, VoteCount: o.VoteCount})
	}
	return snap
}

// Recorder 异步批量归档推送事件，满足 mq.Publisher
type Recorder struct {
	store    Store
	queue    chan Snapshot
	batch    int
	interval time.Duration

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

func NewRecorder(store Store, size int) *Recorder {
	if size <= 0 {
		size = 1024
	}
	return &Recorder{
		store:    store,
		queue:    make(chan Snapshot, size),
		batch:    100,
		interval: time.Second,
		done:     make(chan struct{}),
	}
}

// Start 启动写入协程
func (r *Recorder) Start() {
	go r.loop()
}

// Publish 队列满时丢弃
func (r *Recorder) Publish(ev models.UpdateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- FromEvent(ev):
	default:
		r.dropped.Add(1)
	}
}

// Close 写完队列中剩余的快照后返回
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) Stats() (written, dropped uint64) {
	return r.written.Load(), r.dropped.Load()
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	buf := make([]Snapshot, 0, r.batch)
	for {
		select {
		case snap, ok := <-r.queue:
			if !ok {
				r.flush(buf)
				return
			}
			buf = append(buf, snap)
			if len(buf) >= r.batch {
				r.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			r.flush(buf)
			buf = buf[:0]
		}
	}
}

func (r *Recorder) flush(buf []Snapshot) {
	if len(buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.Insert(ctx, buf); err != nil {
		r.dropped.Add(uint64(len(buf)))
		logging.For("history", "flush").WithError(err).WithField("count", len(buf)).Warn("archive write failed")
		return
	}
	r.written.Add(uint64(len(buf)))
}

// Reader 历史查询；store 为 nil 时返回 ErrArchiveDisabled
type Reader struct {
	store Store
}

func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

func (r *Reader) History(ctx context.Context, pollID string, limit int) ([]Snapshot, error) {
	if r == nil || r.store == nil {
		return nil, ErrArchiveDisabled
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return r.store.List(ctx, pollID, limit)
}
