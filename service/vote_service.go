package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
	"realtime-poll-backend/mq"
	"realtime-poll-backend/repository"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnauthenticated 调用方没有有效会话
	ErrUnauthenticated = errors.New("authentication required")

	// ErrRateLimited 投票请求过于频繁
	ErrRateLimited = errors.New("too many vote requests")
)

// VoteCommand 一次投票提交；PollID 为空时由选项反查
type VoteCommand struct {
	PollID    string
	OptionIDs []string
}

// VoteService 投票写入入口：校验会话、提交事务、提交成功后推送一次更新
type VoteService struct {
	store     repository.Store
	publisher mq.Publisher
	limiter   RateLimiter
	timeout   time.Duration
	now       func() time.Time
}

// NewVoteService limiter 可以为 nil
func NewVoteService(store repository.Store, publisher mq.Publisher, limiter RateLimiter, timeout time.Duration) *VoteService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VoteService{
		store:     store,
		publisher: publisher,
		limiter:   limiter,
		timeout:   timeout,
		now:       time.Now,
	}
}

// SubmitVote 失败时不发布任何事件；成功时恰好发布一次，且不等待推送完成
func (s *VoteService) SubmitVote(ctx context.Context, session *auth.Session, cmd VoteCommand) (*repository.VoteOutcome, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}
	log := logging.For("service", "SubmitVote").WithField("user_id", session.UserID)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, session.UserID)
		if err != nil {
			// 限流组件故障时放行
			log.WithError(err).Warn("rate limiter unavailable")
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pollID := cmd.PollID
	if pollID == "" {
		resolved, err := s.store.ResolvePollID(ctx, cmd.OptionIDs)
		if err != nil {
			return nil, s.transient(ctx, err)
		}
		pollID = resolved
	}

	out, err := s.store.RecordVote(ctx, session.UserID, pollID, cmd.OptionIDs)
	if err != nil {
		err = s.transient(ctx, err)
		log.WithFields(logrus.Fields{"poll_id": pollID, "error": err}).Info("vote rejected")
		return nil, err
	}

	s.publisher.Publish(models.UpdateEvent{
		Kind:       models.EventPollUpdated,
		PollID:     pollID,
		Version:    out.Version,
		Options:    out.Poll.Options,
		TotalVotes: out.Poll.TotalVotes,
		OptionIDs:  out.Vote.OptionIDs,
		At:         s.now(),
	})

	log.WithFields(logrus.Fields{"poll_id": pollID, "version": out.Version}).Info("vote committed")
	return out, nil
}

// transient 超时或取消统一映射为 ErrTransientStore
func (s *VoteService) transient(ctx context.Context, err error) error {
	if errors.Is(err, repository.ErrTransientStore) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return fmt.Errorf("%w: %v", repository.ErrTransientStore, err)
	}
	return err
}
