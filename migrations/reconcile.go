package migrations

import (
	"errors"
	"fmt"

	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Report 本次修复的行数
type Report struct {
	Options int `json:"options"`
	Polls   int `json:"polls"`
}

// ReconcileTotals 启动时校正计数：选项 voteCount 以投票明细为准，
// 投票 totalVotes 以选项之和为准。版本号不变。
//
// 先不加锁找出可能有偏差的投票，再逐个在投票行锁内重新统计并修复，
// 与 RecordVote 持有同一把行锁，其他实例并发提交的投票不会被覆盖。
func ReconcileTotals(db *gorm.DB) (Report, error) {
	log := logging.For("migrations", "ReconcileTotals")

	suspects, err := driftedPolls(db)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, pollID := range suspects {
		options, total, err := repairPoll(db, pollID)
		if err != nil {
			return report, fmt.Errorf("repair poll %s: %w", pollID, err)
		}
		report.Options += options
		if total {
			report.Polls++
		}
	}

	if report.Options > 0 || report.Polls > 0 {
		log.WithFields(logrus.Fields{"options": report.Options, "polls": report.Polls}).Info("counters reconciled")
	}
	return report, nil
}

// driftedPolls 选项计数或总数与明细不一致的投票 ID
func driftedPolls(db *gorm.DB) ([]string, error) {
	var byOption []string
	err := db.Table("poll_options AS o").
		Select("DISTINCT o.poll_id").
		Joins("LEFT JOIN vote_selections AS s ON s.option_id = o.id").
		Group("o.id, o.poll_id, o.vote_count").
		Having("o.vote_count <> COUNT(s.id)").
		Pluck("o.poll_id", &byOption).Error
	if err != nil {
		return nil, fmt.Errorf("scan option counters: %w", err)
	}

	var byTotal []string
	err = db.Table("polls AS p").
		Select("p.id").
		Joins("LEFT JOIN poll_options AS o ON o.poll_id = p.id").
		Group("p.id, p.total_votes").
		Having("p.total_votes <> COALESCE(SUM(o.vote_count), 0)").
		Pluck("p.id", &byTotal).Error
	if err != nil {
		return nil, fmt.Errorf("scan poll totals: %w", err)
	}

	seen := make(map[string]bool, len(byOption)+len(byTotal))
	ids := make([]string, 0, len(byOption)+len(byTotal))
	for _, id := range append(byOption, byTotal...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// repairPoll 在投票行锁内按明细重算，返回修复的选项数以及总数是否被修复
func repairPoll(db *gorm.DB, pollID string) (options int, total bool, err error) {
	log := logging.For("migrations", "repairPoll").WithField("poll_id", pollID)

	err = db.Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&poll, "id = ?", pollID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 扫描之后被删除
			return nil
		}
		if err != nil {
			return err
		}

		var opts []models.PollOption
		if err := tx.Where("poll_id = ?", pollID).Find(&opts).Error; err != nil {
			return err
		}

		var sum int64
		for _, o := range opts {
			var selections int64
			if err := tx.Model(&models.VoteSelection{}).Where("option_id = ?", o.ID).Count(&selections).Error; err != nil {
				return err
			}
			sum += selections
			if selections == o.VoteCount {
				continue
			}
			if err := tx.Model(&models.PollOption{}).Where("id = ?", o.ID).UpdateColumn("vote_count", selections).Error; err != nil {
				return err
			}
			options++
			log.WithFields(logrus.Fields{"option_id": o.ID, "was": o.VoteCount, "now": selections}).Warn("option counter repaired")
		}

		if sum != poll.TotalVotes {
			if err := tx.Model(&models.Poll{}).Where("id = ?", pollID).UpdateColumn("total_votes", sum).Error; err != nil {
				return err
			}
			total = true
			log.WithFields(logrus.Fields{"was": poll.TotalVotes, "now": sum}).Warn("poll total repaired")
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return options, total, nil
}
