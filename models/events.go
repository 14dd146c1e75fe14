package models

import (
	"encoding/json"
	"time"
)

// 实时通道事件名称
const (
	EventJoinPoll    = "join-poll"
	EventLeavePoll   = "leave-poll"
	EventPing        = "ping"
	EventPong        = "pong"
	EventJoined      = "joined"
	EventPollUpdated = "poll-updated"
	EventVoteCast    = "vote-cast"
	EventPollClosed  = "poll-closed"
	EventError       = "error"
)

// UpdateEvent 一次已提交投票（或投票关闭）产生的推送事件。
// 携带完整快照和版本号，客户端按版本取最新即可合并。
type UpdateEvent struct {
	Kind       string       `json:"kind"`
	PollID     string       `json:"pollId"`
	Version    int64        `json:"version"`
	Options    []PollOption `json:"options"`
	TotalVotes int64        `json:"totalVotes"`
	OptionIDs  []string     `json:"optionIds,omitempty"`
	At         time.Time    `json:"at"`
}

// Ordered poll-closed 不参与版本排序
func (e UpdateEvent) Ordered() bool {
	return e.Kind != EventPollClosed
}

// Results 推送给客户端的结果部分
type Results struct {
	Options    []PollOption `json:"options"`
	TotalVotes int64        `json:"totalVotes"`
}

type PollUpdatedPayload struct {
	PollID    string    `json:"pollId"`
	Version   int64     `json:"version"`
	Results   Results   `json:"results"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type VoteCastPayload struct {
	PollID     string    `json:"pollId"`
	Version    int64     `json:"version"`
	OptionIDs  []string  `json:"optionIds"`
	TotalVotes int64     `json:"totalVotes"`
	CastAt     time.Time `json:"castAt"`
}

type PollClosedPayload struct {
	PollID   string    `json:"pollId"`
	Version  int64     `json:"version"`
	Results  Results   `json:"results"`
	ClosedAt time.Time `json:"closedAt"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Frame 服务端与客户端之间的消息封装
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PollRef join-poll / leave-poll 的消息体
type PollRef struct {
	PollID string `json:"pollId"`
}

// NewFrame 序列化一帧消息
func NewFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Frames 把一个 UpdateEvent 转成需要推送的帧序列
func (e UpdateEvent) Frames() ([][]byte, error) {
	results := Results{Options: e.Options, TotalVotes: e.TotalVotes}
	if e.Kind == EventPollClosed {
		f, err := NewFrame(EventPollClosed, PollClosedPayload{
			PollID: e.PollID, Version: e.Version, Results: results, ClosedAt: e.At,
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{f}, nil
	}

	updated, err := NewFrame(EventPollUpdated, PollUpdatedPayload{
		PollID: e.PollID, Version: e.Version, Results: results, UpdatedAt: e.At,
	})
	if err != nil {
		return nil, err
	}
	cast, err := NewFrame(EventVoteCast, VoteCastPayload{
		PollID: e.PollID, Version: e.Version, OptionIDs: e.OptionIDs, TotalVotes: e.TotalVotes, CastAt: e.At,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{updated, cast}, nil
}

// SnapshotFrame 加入房间时发送的当前状态
func SnapshotFrame(p *Poll) ([]byte, error) {
	return NewFrame(EventPollUpdated, PollUpdatedPayload{
		PollID:    p.ID,
		Version:   p.Version,
		Results:   Results{Options: p.Options, TotalVotes: p.TotalVotes},
		UpdatedAt: p.UpdatedAt,
	})
}
