package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Poll 投票主体，totalVotes 为冗余计数，始终等于各选项 voteCount 之和
type Poll struct {
	ID             string       `gorm:"primaryKey;size:36" json:"id"`
	Question       string       `gorm:"size:500;not null" json:"question"`
	Description    string       `gorm:"type:text" json:"description,omitempty"`
	Options        []PollOption `gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE" json:"options"`
	IsPublished    bool         `gorm:"not null;default:false;index" json:"isPublished"`
	AllowMultiple  bool         `gorm:"not null;default:false" json:"allowMultiple"`
	IsAnonymous    bool         `gorm:"not null;default:false" json:"isAnonymous"`
	StartDate      *time.Time   `json:"startDate,omitempty"`
	EndDate        *time.Time   `gorm:"index" json:"endDate,omitempty"`
	CreatedBy      string       `gorm:"size:64;not null;index" json:"createdBy"`
	CreatorName    string       `gorm:"size:128" json:"-"`
	Creator        *Creator     `gorm:"-" json:"creator,omitempty"`
	TotalVotes     int64        `gorm:"not null;default:0" json:"totalVotes"`
	Version        int64        `gorm:"not null;default:0" json:"version"`
	ClosedNotified bool         `gorm:"not null;default:false" json:"-"`
	CreatedAt      time.Time    `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`

	// 仅在请求方已登录且已投票时填充
	UserVote          string   `gorm:"-" json:"userVote,omitempty"`
	UserVoteOptionIDs []string `gorm:"-" json:"userVoteOptionIds,omitempty"`
}

// Creator 投票创建者的公开信息
type Creator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PollOption 投票选项，创建后不会被移到其他投票下
type PollOption struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	PollID     string    `gorm:"size:36;not null;index" json:"pollId"`
	Text       string    `gorm:"size:255;not null" json:"text"`
	Position   int       `gorm:"not null;default:0" json:"position"`
	VoteCount  int64     `gorm:"not null;default:0" json:"voteCount"`
	Percentage float64   `gorm:"-" json:"percentage"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Vote 某用户对某投票的唯一一次投票记录
type Vote struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	UserID     string          `gorm:"size:64;not null;uniqueIndex:idx_votes_user_poll" json:"userId"`
	PollID     string          `gorm:"size:36;not null;uniqueIndex:idx_votes_user_poll;index" json:"pollId"`
	Selections []VoteSelection `gorm:"foreignKey:VoteID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt  time.Time       `json:"createdAt"`

	// 由 Selections 展开
	PollOptionID string   `gorm:"-" json:"pollOptionId,omitempty"`
	OptionIDs    []string `gorm:"-" json:"optionIds"`
}

// VoteSelection 一条投票记录中选中的一个选项
type VoteSelection struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	VoteID   string `gorm:"size:36;not null;index" json:"voteId"`
	PollID   string `gorm:"size:36;not null;index" json:"pollId"`
	OptionID string `gorm:"size:36;not null;index" json:"optionId"`
}

func (p *Poll) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

func (o *PollOption) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

func (v *Vote) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// AllModels 需要自动迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{&Poll{}, &PollOption{}, &Vote{}, &VoteSelection{}}
}

// ComputePercentages 根据 voteCount 计算各选项百分比，保留两位小数
func ComputePercentages(options []PollOption, totalVotes int64) {
	for i := range options {
		if totalVotes <= 0 {
			options[i].Percentage = 0
			continue
		}
		raw := float64(options[i].VoteCount) / float64(totalVotes) * 100
		options[i].Percentage = math.Round(raw*100) / 100
	}
}

// Decorate 填充派生字段：百分比和 creator
func (p *Poll) Decorate() {
	ComputePercentages(p.Options, p.TotalVotes)
	if p.CreatedBy != "" {
		p.Creator = &Creator{ID: p.CreatedBy, Name: p.CreatorName}
	}
}

// VotableAt 判断在给定时间点是否可以投票，不可投票时返回原因
func (p *Poll) VotableAt(now time.Time) (bool, string) {
	if p.EndDate != nil && !now.Before(*p.EndDate) {
		return false, "poll has ended"
	}
	if !p.IsPublished {
		return false, "poll is not published"
	}
	if p.StartDate != nil && now.Before(*p.StartDate) {
		return false, "poll has not started"
	}
	return true, ""
}

// IsActive 已发布且在投票时间窗口内
func (p *Poll) IsActive(now time.Time) bool {
	ok, _ := p.VotableAt(now)
	return ok
}

// Expand 把 Selections 展开成 OptionIDs
func (v *Vote) Expand() {
	v.OptionIDs = make([]string, 0, len(v.Selections))
	for _, s := range v.Selections {
		v.OptionIDs = append(v.OptionIDs, s.OptionID)
	}
	if len(v.OptionIDs) > 0 {
		v.PollOptionID = v.OptionIDs[0]
	}
}
