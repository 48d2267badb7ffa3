package ledger

import (
	"context"
	"errors"
	"log"

	"poll-ledger-backend/models"
	"poll-ledger-backend/registry"
	"poll-ledger-backend/storage"
)

// VoteLedger 负责选票受理与不可变投票记录。投票活动的存在性和状态
// 一律通过 PollRegistry 查询，提交走注册中心的变更锁，保证
// "校验-提交"整体串行：同一时刻不会有关闭、创建或其他选票插入其间。
type VoteLedger struct {
	registry *registry.PollRegistry
	store    storage.Store
	clock    registry.Clock
	events   registry.EventPublisher
}

// NewVoteLedger 创建投票账本。clock 为 nil 时使用系统时钟。
func NewVoteLedger(reg *registry.PollRegistry, store storage.Store, clock registry.Clock, events registry.EventPublisher) *VoteLedger {
	if clock == nil {
		clock = registry.SystemClock{}
	}
	return &VoteLedger{
		registry: reg,
		store:    store,
		clock:    clock,
		events:   events,
	}
}

// CastVote 受理一张选票。准入检查按固定顺序执行：
// 存在 → active → 已开始 → 未结束 → 选项合法 → 未投过票，
// 全部通过后才原子提交记录和计票，任一失败都不留下部分状态。
func (l *VoteLedger) CastVote(ctx context.Context, pollID int64, optionIndex int, voter string) error {
	var evt models.VoteCastEvent
	err := l.registry.Sequence(func() error {
		poll, err := l.registry.GetPoll(ctx, pollID)
		if err != nil {
			return err
		}
		if !poll.IsActive {
			return models.ErrPollNotActive
		}
		now := l.clock.Now().Unix()
		if now < poll.StartTime {
			return models.ErrPollNotStarted
		}
		if now > poll.EndTime {
			return models.ErrPollEnded
		}
		if optionIndex < 0 || optionIndex >= len(poll.Options) {
			return models.ErrInvalidOption
		}
		if _, voted, err := l.store.GetVoteRecord(ctx, voter, pollID); err != nil {
			return err
		} else if voted {
			return models.ErrAlreadyVoted
		}

		rec := models.VoteRecord{
			Voter:       voter,
			PollID:      pollID,
			OptionIndex: optionIndex,
			Timestamp:   now,
		}
		poll.VoteCounts[optionIndex]++
		poll.TotalVotes++
		if err := l.store.SaveVote(ctx, rec, poll); err != nil {
			return err
		}
		evt = models.VoteCastEvent{
			PollID:      pollID,
			Voter:       voter,
			OptionIndex: optionIndex,
			Timestamp:   now,
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.publish(models.EventVoteCast, evt)
	return nil
}

// HasVoted 查询某身份是否已在该投票上投过票。投票不存在时返回 ErrPollNotFound。
func (l *VoteLedger) HasVoted(ctx context.Context, pollID int64, voter string) (bool, error) {
	if _, err := l.registry.GetPoll(ctx, pollID); err != nil {
		return false, err
	}
	_, voted, err := l.store.GetVoteRecord(ctx, voter, pollID)
	return voted, err
}

// GetVoterChoice 返回某身份在该投票上选择的选项下标。
// 从未投票时返回 ErrInvalidOption，表示"没有合法的已选选项"。
func (l *VoteLedger) GetVoterChoice(ctx context.Context, pollID int64, voter string) (int, error) {
	if _, err := l.registry.GetPoll(ctx, pollID); err != nil {
		return 0, err
	}
	rec, voted, err := l.store.GetVoteRecord(ctx, voter, pollID)
	if err != nil {
		return 0, err
	}
	if !voted {
		return 0, models.ErrInvalidOption
	}
	return rec.OptionIndex, nil
}

// GetVoteRecord 返回完整投票记录，从未投票时返回零值记录和nil错误
func (l *VoteLedger) GetVoteRecord(ctx context.Context, pollID int64, voter string) (models.VoteRecord, error) {
	if _, err := l.registry.GetPoll(ctx, pollID); err != nil {
		return models.VoteRecord{}, err
	}
	rec, _, err := l.store.GetVoteRecord(ctx, voter, pollID)
	if err != nil {
		return models.VoteRecord{}, err
	}
	return rec, nil
}

// CountVoters 返回已在该投票上投过票的不同身份数量
func (l *VoteLedger) CountVoters(ctx context.Context, pollID int64) (int64, error) {
	if _, err := l.registry.GetPoll(ctx, pollID); err != nil {
		return 0, err
	}
	return l.store.CountVoters(ctx, pollID)
}

// IsVoteError 判断错误是否属于投票准入失败（业务错误，而非存储故障）
func IsVoteError(err error) bool {
	for _, e := range []error{
		models.ErrPollNotFound,
		models.ErrPollNotActive,
		models.ErrPollNotStarted,
		models.ErrPollEnded,
		models.ErrInvalidOption,
		models.ErrAlreadyVoted,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func (l *VoteLedger) publish(eventType string, payload interface{}) {
	if l.events == nil {
		return
	}
	evt, err := models.NewEvent(eventType, l.clock.Now().Unix(), payload)
	if err != nil {
		log.Printf("构造事件失败 [%s]: %v", eventType, err)
		return
	}
	if err := l.events.Publish(evt); err != nil {
		log.Printf("发布事件失败 [%s]: %v", eventType, err)
	}
}
