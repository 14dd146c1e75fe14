package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"realtime-poll-backend/models"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 gorm 的 Store 实现，MySQL 生产使用，SQLite 用于开发和测试
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// WithClock 替换时间来源
func (s *GormStore) WithClock(now func() time.Time) *GormStore {
	s.now = now
	return s
}

func (s *GormStore) CreatePoll(ctx context.Context, in NewPoll) (*models.Poll, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidPoll)
	}
	texts := make([]string, 0, len(in.Options))
	for _, t := range in.Options {
		if t = strings.TrimSpace(t); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) < 2 || len(texts) != len(in.Options) {
		return nil, fmt.Errorf("%w: a poll needs at least two non-empty options", ErrInvalidPoll)
	}
	if err := checkDates(in.StartDate, in.EndDate); err != nil {
		return nil, err
	}
	if in.EndDate != nil && !in.EndDate.After(s.now()) {
		return nil, fmt.Errorf("%w: end date must be in the future", ErrInvalidPoll)
	}

	poll := models.Poll{
		Question:      question,
		Description:   strings.TrimSpace(in.Description),
		IsPublished:   in.IsPublished,
		AllowMultiple: in.AllowMultiple,
		IsAnonymous:   in.IsAnonymous,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		CreatedBy:     in.CreatedBy,
		CreatorName:   in.CreatorName,
	}
	for i, t := range texts {
		poll.Options = append(poll.Options, models.PollOption{Text: t, Position: i})
	}

	// 投票和选项在同一事务里写入
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&poll).Error
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return s.GetPoll(ctx, poll.ID)
}

func (s *GormStore) GetPoll(ctx context.Context, id string) (*models.Poll, error) {
	poll, err := loadPoll(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return poll, nil
}

func loadPoll(db *gorm.DB, id string) (*models.Poll, error) {
	var poll models.Poll
	err := db.Preload("Options", orderByPosition).First(&poll, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, err
	}
	poll.Decorate()
	return &poll, nil
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (s *GormStore) ListPolls(ctx context.Context, q ListQuery) ([]models.Poll, Pagination, error) {
	q.Normalize()

	base := s.db.WithContext(ctx).Model(&models.Poll{})
	if q.CreatedBy != "" {
		base = base.Where("created_by = ?", q.CreatedBy)
	}
	// 草稿只对创建者可见
	switch {
	case q.PublishedOnly:
		base = base.Where("is_published = ?", true)
	case q.ViewerID == "":
		base = base.Where("is_published = ?", true)
	case q.CreatedBy != q.ViewerID:
		base = base.Where("is_published = ? OR created_by = ?", true, q.ViewerID)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, Pagination{}, classify(ctx, err)
	}

	var polls []models.Poll
	err := base.Session(&gorm.Session{}).
		Preload("Options", orderByPosition).
		Order("created_at DESC").Order("id DESC").
		Offset((q.Page - 1) * q.Limit).Limit(q.Limit).
		Find(&polls).Error
	if err != nil {
		return nil, Pagination{}, classify(ctx, err)
	}
	for i := range polls {
		polls[i].Decorate()
	}

	return polls, Pagination{
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(q.Limit))),
	}, nil
}

// RecordVote 在单个事务内完成校验、写入投票记录和计数自增。
// 同一投票的并发写入在投票行锁上串行，(user_id, poll_id) 唯一索引兜底防重复。
func (s *GormStore) RecordVote(ctx context.Context, userID, pollID string, optionIDs []string) (*VoteOutcome, error) {
	var out VoteOutcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", pollID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}

		now := s.now()
		if ok, reason := poll.VotableAt(now); !ok {
			return fmt.Errorf("%w: %s", ErrPollNotVotable, reason)
		}

		var existing int64
		if err := tx.Model(&models.Vote{}).Where("user_id = ? AND poll_id = ?", userID, pollID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyVoted
		}

		var options []models.PollOption
		if err := tx.Where("poll_id = ?", pollID).Order("position ASC").Find(&options).Error; err != nil {
			return err
		}
		chosen, err := validateSelection(&poll, options, optionIDs)
		if err != nil {
			return err
		}

		vote := models.Vote{UserID: userID, PollID: pollID, CreatedAt: now}
		for _, id := range chosen {
			vote.Selections = append(vote.Selections, models.VoteSelection{PollID: pollID, OptionID: id})
		}
		if err := tx.Create(&vote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyVoted
			}
			return err
		}

		res := tx.Model(&models.PollOption{}).
			Where("poll_id = ? AND id IN ?", pollID, chosen).
			UpdateColumn("vote_count", gorm.Expr("vote_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(chosen)) {
			return fmt.Errorf("%w: option counters out of sync", ErrInvalidOptionSelection)
		}

		err = tx.Model(&models.Poll{}).Where("id = ?", pollID).UpdateColumns(map[string]interface{}{
			"total_votes": gorm.Expr("total_votes + ?", len(chosen)),
			"version":     gorm.Expr("version + ?", 1),
			"updated_at":  now,
		}).Error
		if err != nil {
			return err
		}

		fresh, err := loadPoll(tx, pollID)
		if err != nil {
			return err
		}
		vote.Expand()
		out = VoteOutcome{Vote: vote, Poll: *fresh, Version: fresh.Version}
		return nil
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &out, nil
}

// validateSelection 去重前检查重复，返回按选项顺序排列的选中 ID
func validateSelection(poll *models.Poll, options []models.PollOption, optionIDs []string) ([]string, error) {
	if len(optionIDs) == 0 {
		return nil, fmt.Errorf("%w: no option selected", ErrInvalidOptionSelection)
	}
	seen := make(map[string]bool, len(optionIDs))
	for _, id := range optionIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate option %q", ErrInvalidOptionSelection, id)
		}
		seen[id] = true
	}
	if len(optionIDs) > 1 && !poll.AllowMultiple {
		return nil, fmt.Errorf("%w: poll allows a single choice", ErrInvalidOptionSelection)
	}

	chosen := make([]string, 0, len(optionIDs))
	for _, o := range options {
		if seen[o.ID] {
			chosen = append(chosen, o.ID)
		}
	}
	if len(chosen) != len(optionIDs) {
		return nil, fmt.Errorf("%w: option does not belong to poll", ErrInvalidOptionSelection)
	}
	return chosen, nil
}

// ResolvePollID 根据选项反查所属投票，选项跨多个投票视为非法
func (s *GormStore) ResolvePollID(ctx context.Context, optionIDs []string) (string, error) {
	if len(optionIDs) == 0 {
		return "", fmt.Errorf("%w: no option selected", ErrInvalidOptionSelection)
	}
	var pollIDs []string
	err := s.db.WithContext(ctx).Model(&models.PollOption{}).
		Where("id IN ?", optionIDs).
		Distinct("poll_id").Pluck("poll_id", &pollIDs).Error
	if err != nil {
		return "", classify(ctx, err)
	}
	switch len(pollIDs) {
	case 0:
		return "", fmt.Errorf("%w: unknown option", ErrInvalidOptionSelection)
	case 1:
		return pollIDs[0], nil
	default:
		return "", fmt.Errorf("%w: options belong to different polls", ErrInvalidOptionSelection)
	}
}

func (s *GormStore) GetUserVote(ctx context.Context, userID, pollID string) (*models.Vote, error) {
	var vote models.Vote
	err := s.db.WithContext(ctx).
		Preload("Selections", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&vote, "user_id = ? AND poll_id = ?", userID, pollID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, classify(ctx, err)
	}
	vote.Expand()
	return &vote, nil
}

// UpdatePoll 仅所有者可修改；已有投票后选项和 allowMultiple 锁定
func (s *GormStore) UpdatePoll(ctx context.Context, id, ownerID string, upd PollUpdate) (*models.Poll, error) {
	var updated *models.Poll

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Options", orderByPosition).
			First(&poll, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if poll.CreatedBy != ownerID {
			return ErrForbidden
		}

		changes := map[string]interface{}{}
		if upd.Question != nil {
			q := strings.TrimSpace(*upd.Question)
			if q == "" {
				return fmt.Errorf("%w: question is required", ErrInvalidPoll)
			}
			changes["question"] = q
		}
		if upd.Description != nil {
			changes["description"] = strings.TrimSpace(*upd.Description)
		}
		if upd.IsPublished != nil {
			changes["is_published"] = *upd.IsPublished
		}
		if upd.IsAnonymous != nil {
			changes["is_anonymous"] = *upd.IsAnonymous
		}
		if upd.AllowMultiple != nil && *upd.AllowMultiple != poll.AllowMultiple {
			if poll.TotalVotes > 0 {
				return ErrPollLocked
			}
			changes["allow_multiple"] = *upd.AllowMultiple
		}

		start, end := poll.StartDate, poll.EndDate
		if upd.StartDate != nil {
			start = upd.StartDate
			changes["start_date"] = *upd.StartDate
		}
		if upd.EndDate != nil {
			end = upd.EndDate
			changes["end_date"] = *upd.EndDate
			if upd.EndDate.After(s.now()) {
				changes["closed_notified"] = false
			}
		}
		if err := checkDates(start, end); err != nil {
			return err
		}

		if upd.Options != nil && optionsChanged(poll.Options, upd.Options) {
			if poll.TotalVotes > 0 {
				return ErrPollLocked
			}
			if err := replaceOptions(tx, &poll, upd.Options); err != nil {
				return err
			}
		}

		if len(changes) > 0 {
			changes["updated_at"] = s.now()
			if err := tx.Model(&models.Poll{}).Where("id = ?", id).Updates(changes).Error; err != nil {
				return err
			}
		}

		updated, err = loadPoll(tx, id)
		return err
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return updated, nil
}

func optionsChanged(current []models.PollOption, edits []OptionEdit) bool {
	if len(current) != len(edits) {
		return true
	}
	for i, e := range edits {
		if e.ID != current[i].ID || strings.TrimSpace(e.Text) != current[i].Text {
			return true
		}
	}
	return false
}

// replaceOptions 只在没有任何投票时调用
func replaceOptions(tx *gorm.DB, poll *models.Poll, edits []OptionEdit) error {
	if len(edits) < 2 {
		return fmt.Errorf("%w: a poll needs at least two non-empty options", ErrInvalidPoll)
	}
	existing := make(map[string]bool, len(poll.Options))
	for _, o := range poll.Options {
		existing[o.ID] = true
	}

	keep := make(map[string]bool, len(edits))
	for i, e := range edits {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			return fmt.Errorf("%w: option text is required", ErrInvalidPoll)
		}
		if e.ID == "" {
			opt := models.PollOption{PollID: poll.ID, Text: text, Position: i}
			if err := tx.Create(&opt).Error; err != nil {
				return err
			}
			keep[opt.ID] = true
			continue
		}
		if !existing[e.ID] {
			return fmt.Errorf("%w: option %q does not belong to poll", ErrInvalidPoll, e.ID)
		}
		if keep[e.ID] {
			return fmt.Errorf("%w: option %q listed twice", ErrInvalidPoll, e.ID)
		}
		keep[e.ID] = true
		err := tx.Model(&models.PollOption{}).Where("id = ?", e.ID).
			Updates(map[string]interface{}{"text": text, "position": i}).Error
		if err != nil {
			return err
		}
	}

	for id := range existing {
		if keep[id] {
			continue
		}
		if err := tx.Delete(&models.PollOption{}, "id = ?", id).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeletePoll 级联删除选项和投票记录
func (s *GormStore) DeletePoll(ctx context.Context, id, ownerID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if poll.CreatedBy != ownerID {
			return ErrForbidden
		}

		// 顺序受外键约束影响
		if err := tx.Where("poll_id = ?", id).Delete(&models.VoteSelection{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&models.PollOption{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Poll{}, "id = ?", id).Error
	})
	return classify(ctx, err)
}

func (s *GormStore) Stats(ctx context.Context, userID string) (*DashboardStats, error) {
	db := s.db.WithContext(ctx)
	now := s.now()
	stats := &DashboardStats{RecentPolls: []models.Poll{}}

	mine := func() *gorm.DB { return db.Model(&models.Poll{}).Where("created_by = ?", userID) }

	if err := mine().Count(&stats.MyPolls.Total).Error; err != nil {
		return nil, classify(ctx, err)
	}
	if err := mine().Where("is_published = ?", true).Count(&stats.MyPolls.Published).Error; err != nil {
		return nil, classify(ctx, err)
	}
	stats.MyPolls.Drafts = stats.MyPolls.Total - stats.MyPolls.Published

	var totalVotes struct{ Sum int64 }
	if err := mine().Select("COALESCE(SUM(total_votes), 0) AS sum").Scan(&totalVotes).Error; err != nil {
		return nil, classify(ctx, err)
	}
	stats.TotalVotes = totalVotes.Sum

	err := mine().Where("is_published = ?", true).
		Where("start_date IS NULL OR start_date <= ?", now).
		Where("end_date IS NULL OR end_date > ?", now).
		Count(&stats.ActivePolls).Error
	if err != nil {
		return nil, classify(ctx, err)
	}

	err = mine().Preload("Options", orderByPosition).
		Order("created_at DESC").Order("id DESC").Limit(5).
		Find(&stats.RecentPolls).Error
	if err != nil {
		return nil, classify(ctx, err)
	}
	for i := range stats.RecentPolls {
		stats.RecentPolls[i].Decorate()
	}

	if err := db.Model(&models.Poll{}).Where("is_published = ?", true).Count(&stats.AllPublishedPolls).Error; err != nil {
		return nil, classify(ctx, err)
	}
	return stats, nil
}

// ExpiredUnannounced 已过结束时间但还没推送过关闭事件的投票
func (s *GormStore) ExpiredUnannounced(ctx context.Context, limit int) ([]models.Poll, error) {
	var polls []models.Poll
	err := s.db.WithContext(ctx).
		Preload("Options", orderByPosition).
		Where("end_date IS NOT NULL AND end_date <= ?", s.now()).
		Where("closed_notified = ?", false).
		Order("end_date ASC").Limit(limit).
		Find(&polls).Error
	if err != nil {
		return nil, classify(ctx, err)
	}
	for i := range polls {
		polls[i].Decorate()
	}
	return polls, nil
}

// MarkClosedNotified 返回 true 表示本次调用完成了标记
func (s *GormStore) MarkClosedNotified(ctx context.Context, pollID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Poll{}).
		Where("id = ? AND closed_notified = ?", pollID, false).
		UpdateColumn("closed_notified", true)
	if res.Error != nil {
		return false, classify(ctx, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func checkDates(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidPoll)
	}
	return nil
}

// MySQL 锁等待超时和死锁
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// classify 把超时、取消和锁竞争统一映射为 ErrTransientStore，业务错误原样返回
func classify(ctx context.Context, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock) {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return err
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrPollNotFound, ErrAlreadyVoted, ErrPollNotVotable, ErrInvalidOptionSelection,
		ErrTransientStore, ErrVoteNotFound, ErrForbidden, ErrPollLocked, ErrInvalidPoll,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
