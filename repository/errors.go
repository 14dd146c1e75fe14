package repository

import "errors"

var (
	// ErrPollNotFound 投票不存在
	ErrPollNotFound = errors.New("poll not found")

	// ErrAlreadyVoted 该用户已对此投票投过票
	ErrAlreadyVoted = errors.New("user already voted on this poll")

	// ErrPollNotVotable 未发布、未开始或已结束，包装时附带具体原因
	ErrPollNotVotable = errors.New("poll is not accepting votes")

	// ErrInvalidOptionSelection 选项为空、重复、不属于该投票或单选投票选了多个
	ErrInvalidOptionSelection = errors.New("invalid option selection")

	// ErrTransientStore 超时或锁竞争，调用方可以退避重试
	ErrTransientStore = errors.New("tally store temporarily unavailable")

	// ErrVoteNotFound 用户尚未投票
	ErrVoteNotFound = errors.New("vote not found")

	ErrForbidden = errors.New("only the poll owner can modify this poll")

	// ErrPollLocked 已有投票后不允许再修改选项
	ErrPollLocked = errors.New("poll options cannot change after votes have been cast")

	ErrInvalidPoll = errors.New("invalid poll")
)
