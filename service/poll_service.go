package service

import (
	"context"
	"errors"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/models"
	"realtime-poll-backend/repository"
)

// PollService 投票管理和只读查询，不做任何缓存，每次都读存储
type PollService struct {
	store repository.Store
}

func NewPollService(store repository.Store) *PollService {
	return &PollService{store: store}
}

// ListOptions 列表查询参数
type ListOptions struct {
	Page          int
	Limit         int
	PublishedOnly bool
	Mine          bool
}

// PollResults 投票结果
type PollResults struct {
	PollID     string              `json:"pollId"`
	Question   string              `json:"question"`
	Options    []models.PollOption `json:"options"`
	TotalVotes int64               `json:"totalVotes"`
	Version    int64               `json:"version"`
}

// UserVoteStatus 用户在某投票上的投票状态
type UserVoteStatus struct {
	HasVoted bool         `json:"hasVoted"`
	Vote     *models.Vote `json:"vote,omitempty"`
}

func (s *PollService) CreatePoll(ctx context.Context, session *auth.Session, in repository.NewPoll) (*models.Poll, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}
	in.CreatedBy = session.UserID
	in.CreatorName = session.Name
	return s.store.CreatePoll(ctx, in)
}

func (s *PollService) UpdatePoll(ctx context.Context, session *auth.Session, id string, upd repository.PollUpdate) (*models.Poll, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}
	return s.store.UpdatePoll(ctx, id, session.UserID, upd)
}

func (s *PollService) DeletePoll(ctx context.Context, session *auth.Session, id string) error {
	if !session.Valid() {
		return ErrUnauthenticated
	}
	return s.store.DeletePoll(ctx, id, session.UserID)
}

func (s *PollService) ListPolls(ctx context.Context, session *auth.Session, opts ListOptions) ([]models.Poll, repository.Pagination, error) {
	q := repository.ListQuery{
		Page:          opts.Page,
		Limit:         opts.Limit,
		PublishedOnly: opts.PublishedOnly,
	}
	if session.Valid() {
		q.ViewerID = session.UserID
	}
	if opts.Mine {
		if !session.Valid() {
			return nil, repository.Pagination{}, ErrUnauthenticated
		}
		q.CreatedBy = session.UserID
	}
	return s.store.ListPolls(ctx, q)
}

// GetPoll 草稿只对创建者可见；已登录且投过票时附带 userVote
func (s *PollService) GetPoll(ctx context.Context, session *auth.Session, id string) (*models.Poll, error) {
	poll, err := s.visiblePoll(ctx, session, id)
	if err != nil {
		return nil, err
	}
	if !session.Valid() {
		return poll, nil
	}

	vote, err := s.store.GetUserVote(ctx, session.UserID, id)
	switch {
	case errors.Is(err, repository.ErrVoteNotFound):
	case err != nil:
		return nil, err
	default:
		poll.UserVote = vote.PollOptionID
		poll.UserVoteOptionIDs = vote.OptionIDs
	}
	return poll, nil
}

func (s *PollService) GetResults(ctx context.Context, session *auth.Session, id string) (*PollResults, error) {
	poll, err := s.visiblePoll(ctx, session, id)
	if err != nil {
		return nil, err
	}
	return &PollResults{
		PollID:     poll.ID,
		Question:   poll.Question,
		Options:    poll.Options,
		TotalVotes: poll.TotalVotes,
		Version:    poll.Version,
	}, nil
}

func (s *PollService) GetUserVote(ctx context.Context, session *auth.Session, pollID string) (*UserVoteStatus, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}
	if _, err := s.visiblePoll(ctx, session, pollID); err != nil {
		return nil, err
	}
	vote, err := s.store.GetUserVote(ctx, session.UserID, pollID)
	if errors.Is(err, repository.ErrVoteNotFound) {
		return &UserVoteStatus{HasVoted: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &UserVoteStatus{HasVoted: true, Vote: vote}, nil
}

func (s *PollService) Stats(ctx context.Context, session *auth.Session) (*repository.DashboardStats, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}
	return s.store.Stats(ctx, session.UserID)
}

// Snapshot 实时通道加入房间时发送的当前状态
func (s *PollService) Snapshot(ctx context.Context, session *auth.Session, id string) (*models.Poll, error) {
	return s.visiblePoll(ctx, session, id)
}

func (s *PollService) visiblePoll(ctx context.Context, session *auth.Session, id string) (*models.Poll, error) {
	poll, err := s.store.GetPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if !poll.IsPublished && (!session.Valid() || session.UserID != poll.CreatedBy) {
		return nil, repository.ErrPollNotFound
	}
	return poll, nil
}
