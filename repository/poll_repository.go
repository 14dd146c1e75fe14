package repository

import (
	"context"
	"time"

	"realtime-poll-backend/models"
)

// Store 投票数据访问接口，计数只能通过 RecordVote 修改
type Store interface {
	// 投票管理
	CreatePoll(ctx context.Context, in NewPoll) (*models.Poll, error)
	GetPoll(ctx context.Context, id string) (*models.Poll, error)
	ListPolls(ctx context.Context, q ListQuery) ([]models.Poll, Pagination, error)
	UpdatePoll(ctx context.Context, id, ownerID string, upd PollUpdate) (*models.Poll, error)
	DeletePoll(ctx context.Context, id, ownerID string) error

	// 投票记录
	RecordVote(ctx context.Context, userID, pollID string, optionIDs []string) (*VoteOutcome, error)
	ResolvePollID(ctx context.Context, optionIDs []string) (string, error)
	GetUserVote(ctx context.Context, userID, pollID string) (*models.Vote, error)

	// 统计与后台任务
	Stats(ctx context.Context, userID string) (*DashboardStats, error)
	ExpiredUnannounced(ctx context.Context, limit int) ([]models.Poll, error)
	MarkClosedNotified(ctx context.Context, pollID string) (bool, error)
	Ping(ctx context.Context) error
}

// NewPoll 创建投票的输入
type NewPoll struct {
	Question      string
	Description   string
	Options       []string
	IsPublished   bool
	AllowMultiple bool
	IsAnonymous   bool
	StartDate     *time.Time
	EndDate       *time.Time
	CreatedBy     string
	CreatorName   string
}

// OptionEdit 更新选项时的一项；ID 为空表示新增
type OptionEdit struct {
	ID   string
	Text string
}

// PollUpdate 更新投票，nil 字段保持不变
type PollUpdate struct {
	Question      *string
	Description   *string
	IsPublished   *bool
	IsAnonymous   *bool
	AllowMultiple *bool
	StartDate     *time.Time
	EndDate       *time.Time
	Options       []OptionEdit
}

// ListQuery 列表查询条件；ViewerID 为请求方，用于决定能否看到草稿
type ListQuery struct {
	Page          int
	Limit         int
	PublishedOnly bool
	CreatedBy     string
	ViewerID      string
}

type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// VoteOutcome 一次成功投票提交后的结果
type VoteOutcome struct {
	Vote    models.Vote
	Poll    models.Poll
	Version int64
}

type MyPollsStats struct {
	Total     int64 `json:"total"`
	Published int64 `json:"published"`
	Drafts    int64 `json:"drafts"`
}

type DashboardStats struct {
	MyPolls           MyPollsStats  `json:"myPolls"`
	TotalVotes        int64         `json:"totalVotes"`
	ActivePolls       int64         `json:"activePolls"`
	RecentPolls       []models.Poll `json:"recentPolls"`
	AllPublishedPolls int64         `json:"allPublishedPolls"`
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Normalize 填充分页默认值
func (q *ListQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
}
