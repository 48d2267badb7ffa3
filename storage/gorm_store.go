package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"poll-ledger-backend/models"

	"gorm.io/gorm"
)

// pollRow 投票表结构。选项和计票以JSON形式存储，保持与逻辑模型一致的整体读写
type pollRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	Creator     string `gorm:"size:128;index"`
	Description string `gorm:"type:text"`
	Options     string `gorm:"type:text"`
	VoteCounts  string `gorm:"type:text"`
	StartTime   int64
	EndTime     int64
	TotalVotes  int64
	IsActive    bool
}

func (pollRow) TableName() string { return "polls" }

// voteRow 投票记录表。(voter, poll_id) 唯一索引是"一人一票"的最终防线
type voteRow struct {
	ID          uint   `gorm:"primaryKey"`
	Voter       string `gorm:"size:128;uniqueIndex:idx_voter_poll"`
	PollID      int64  `gorm:"uniqueIndex:idx_voter_poll;index"`
	OptionIndex int
	Timestamp   int64
}

func (voteRow) TableName() string { return "votes" }

// userPollRow 创建者索引表，插入顺序即创建顺序
type userPollRow struct {
	ID      uint   `gorm:"primaryKey"`
	Creator string `gorm:"size:128;index"`
	PollID  int64
}

func (userPollRow) TableName() string { return "user_polls" }

// counterRow 序列计数表，poll ID 序列从0开始
type counterRow struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64
}

func (counterRow) TableName() string { return "counters" }

const pollIDCounter = "poll_id"

// GormStore 基于GORM的Store实现（生产环境MySQL，测试环境SQLite）
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储并迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&pollRow{}, &voteRow{}, &userPollRow{}, &counterRow{}); err != nil {
		return nil, fmt.Errorf("迁移模型失败: %v", err)
	}
	return &GormStore{db: db}, nil
}

// NextPollID 在事务内推进计数器，返回分配前的值
func (s *GormStore) NextPollID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := counterRow{Name: pollIDCounter}
		if err := tx.FirstOrCreate(&counter, counterRow{Name: pollIDCounter}).Error; err != nil {
			return err
		}
		id = counter.Value
		counter.Value++
		return tx.Save(&counter).Error
	})
	if err != nil {
		return 0, fmt.Errorf("分配投票ID失败: %v", err)
	}
	return id, nil
}

// CreatePoll 在一个事务内写入投票和创建者索引
func (s *GormStore) CreatePoll(ctx context.Context, poll models.Poll) error {
	row, err := toPollRow(poll)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&userPollRow{Creator: poll.Creator, PollID: poll.ID}).Error
	})
}

// PutPoll 覆盖投票记录
func (s *GormStore) PutPoll(ctx context.Context, poll models.Poll) error {
	row, err := toPollRow(poll)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetPoll 按ID读取投票
func (s *GormStore) GetPoll(ctx context.Context, id int64) (models.Poll, bool, error) {
	var row pollRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Poll{}, false, nil
	}
	if err != nil {
		return models.Poll{}, false, err
	}
	poll, err := fromPollRow(row)
	if err != nil {
		return models.Poll{}, false, err
	}
	return poll, true, nil
}

// RecentPolls 按ID倒序返回最近创建的投票
func (s *GormStore) RecentPolls(ctx context.Context, limit int) ([]models.Poll, error) {
	var rows []pollRow
	query := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	polls := make([]models.Poll, 0, len(rows))
	for _, row := range rows {
		poll, err := fromPollRow(row)
		if err != nil {
			return nil, err
		}
		polls = append(polls, poll)
	}
	return polls, nil
}

// UserPolls 按创建顺序返回创建者的投票ID
func (s *GormStore) UserPolls(ctx context.Context, creator string) ([]int64, error) {
	var rows []userPollRow
	if err := s.db.WithContext(ctx).Where("creator = ?", creator).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.PollID
	}
	return ids, nil
}

// GetVoteRecord 查询投票记录
func (s *GormStore) GetVoteRecord(ctx context.Context, voter string, pollID int64) (models.VoteRecord, bool, error) {
	var row voteRow
	err := s.db.WithContext(ctx).Where("voter = ? AND poll_id = ?", voter, pollID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.VoteRecord{}, false, nil
	}
	if err != nil {
		return models.VoteRecord{}, false, err
	}
	return models.VoteRecord{
		Voter:       row.Voter,
		PollID:      row.PollID,
		OptionIndex: row.OptionIndex,
		Timestamp:   row.Timestamp,
	}, true, nil
}

// CountVoters 统计某投票的不同投票人数量
func (s *GormStore) CountVoters(ctx context.Context, pollID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&voteRow{}).Where("poll_id = ?", pollID).Count(&count).Error
	return count, err
}

// SaveVote 在一个事务内写入投票记录并更新计票。
// (voter, poll_id) 唯一索引保证重复投票在此处也会被拒绝。
func (s *GormStore) SaveVote(ctx context.Context, rec models.VoteRecord, poll models.Poll) error {
	row, err := toPollRow(poll)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		vote := voteRow{
			Voter:       rec.Voter,
			PollID:      rec.PollID,
			OptionIndex: rec.OptionIndex,
			Timestamp:   rec.Timestamp,
		}
		if err := tx.Create(&vote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return models.ErrAlreadyVoted
			}
			return err
		}
		return tx.Save(&row).Error
	})
}

func toPollRow(poll models.Poll) (pollRow, error) {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return pollRow{}, fmt.Errorf("序列化选项失败: %v", err)
	}
	counts, err := json.Marshal(poll.VoteCounts)
	if err != nil {
		return pollRow{}, fmt.Errorf("序列化计票失败: %v", err)
	}
	return pollRow{
		ID:          poll.ID,
		Creator:     poll.Creator,
		Description: poll.Description,
		Options:     string(options),
		VoteCounts:  string(counts),
		StartTime:   poll.StartTime,
		EndTime:     poll.EndTime,
		TotalVotes:  poll.TotalVotes,
		IsActive:    poll.IsActive,
	}, nil
}

func fromPollRow(row pollRow) (models.Poll, error) {
	poll := models.Poll{
		ID:          row.ID,
		Creator:     row.Creator,
		Description: row.Description,
		StartTime:   row.StartTime,
		EndTime:     row.EndTime,
		TotalVotes:  row.TotalVotes,
		IsActive:    row.IsActive,
	}
	if err := json.Unmarshal([]byte(row.Options), &poll.Options); err != nil {
		return models.Poll{}, fmt.Errorf("解析选项失败: %v", err)
	}
	if err := json.Unmarshal([]byte(row.VoteCounts), &poll.VoteCounts); err != nil {
		return models.Poll{}, fmt.Errorf("解析计票失败: %v", err)
	}
	return poll, nil
}
