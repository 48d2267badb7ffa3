package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"poll-ledger-backend/models"
	"poll-ledger-backend/storage"
)

// MaxDescriptionBytes 描述字段的最大字节数
const MaxDescriptionBytes = 280

// MinOptions/MaxOptions 选项数量上下限
const (
	MinOptions = 2
	MaxOptions = 10
)

// Clock 为核心逻辑提供时间源，便于测试中注入固定时钟
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间的默认时钟
type SystemClock struct{}

// Now 返回当前系统时间
func (SystemClock) Now() time.Time { return time.Now() }

// EventPublisher 事件发布接口。发布失败不影响业务结果，由实现方记录日志。
// 传入nil时所有通知静默丢弃。
type EventPublisher interface {
	Publish(evt models.Event) error
}

// PollRegistry 负责投票活动的创建、生命周期管理和配置校验。
// 所有状态变更都在同一把互斥锁下串行执行，VoteLedger 的变更
// 也通过 Sequence 走这把锁，保证校验到提交之间不会有交叉写入。
type PollRegistry struct {
	store  storage.Store
	clock  Clock
	events EventPublisher
	mu     sync.Mutex
}

// NewPollRegistry 创建投票注册中心。clock 为 nil 时使用系统时钟。
func NewPollRegistry(store storage.Store, clock Clock, events EventPublisher) *PollRegistry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PollRegistry{
		store:  store,
		clock:  clock,
		events: events,
	}
}

// Sequence 在注册中心的变更锁内执行fn。创建、关闭和投票提交全部经过
// 这把锁，任一变更操作执行期间对全部投票状态拥有独占访问。
func (r *PollRegistry) Sequence(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// CreatePoll 校验并创建新投票，返回分配的投票ID。
// 校验顺序：选项数量 → 时间窗口 → 描述长度，任一失败都不产生副作用。
func (r *PollRegistry) CreatePoll(ctx context.Context, input models.CreatePollInput, creator string) (int64, error) {
	if n := len(input.Options); n < MinOptions || n > MaxOptions {
		return 0, models.ErrInvalidOptionCount
	}
	if input.StartTime >= input.EndTime {
		return 0, models.ErrInvalidTimeRange
	}
	if len(input.Description) > MaxDescriptionBytes {
		return 0, models.ErrDescriptionTooLong
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.store.NextPollID(ctx)
	if err != nil {
		return 0, err
	}

	poll := models.Poll{
		ID:          id,
		Creator:     creator,
		Description: input.Description,
		Options:     append([]string(nil), input.Options...),
		VoteCounts:  make([]int64, len(input.Options)),
		StartTime:   input.StartTime,
		EndTime:     input.EndTime,
		IsActive:    true,
	}
	if err := r.store.CreatePoll(ctx, poll); err != nil {
		return 0, err
	}

	r.publish(models.EventPollCreated, models.PollCreatedEvent{
		PollID:      id,
		Creator:     creator,
		Description: input.Description,
		StartTime:   input.StartTime,
		EndTime:     input.EndTime,
	})
	return id, nil
}

// ClosePoll 由创建者提前关闭投票。active 标志只能由 true 变为 false。
// 对不存在的投票显式返回 ErrPollNotFound，而不是沿用零值创建者
// 触发 Unauthorized 的旧行为。
func (r *PollRegistry) ClosePoll(ctx context.Context, pollID int64, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	poll, found, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if !found {
		return models.ErrPollNotFound
	}
	if poll.Creator != caller {
		return models.ErrUnauthorized
	}
	if !poll.IsActive {
		return models.ErrPollNotActive
	}

	poll.IsActive = false
	if err := r.store.PutPoll(ctx, poll); err != nil {
		return err
	}

	r.publish(models.EventPollClosed, models.PollClosedEvent{
		PollID: pollID,
		Closer: caller,
	})
	return nil
}

// GetPoll 按ID读取投票，不存在时返回 ErrPollNotFound
func (r *PollRegistry) GetPoll(ctx context.Context, pollID int64) (models.Poll, error) {
	poll, found, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return models.Poll{}, err
	}
	if !found {
		return models.Poll{}, models.ErrPollNotFound
	}
	return poll, nil
}

// GetUserPolls 返回创建者按创建顺序排列的投票ID列表
func (r *PollRegistry) GetUserPolls(ctx context.Context, creator string) ([]int64, error) {
	return r.store.UserPolls(ctx, creator)
}

// IsPollOpen 判断投票当前是否接受选票：active 且当前时间落在窗口内
func (r *PollRegistry) IsPollOpen(ctx context.Context, pollID int64) (bool, error) {
	poll, err := r.GetPoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	now := r.clock.Now().Unix()
	return poll.IsActive && now >= poll.StartTime && now <= poll.EndTime, nil
}

// publish 尽力发布事件，失败只记录日志
func (r *PollRegistry) publish(eventType string, payload interface{}) {
	if r.events == nil {
		return
	}
	evt, err := models.NewEvent(eventType, r.clock.Now().Unix(), payload)
	if err != nil {
		log.Printf("构造事件失败 [%s]: %v", eventType, err)
		return
	}
	if err := r.events.Publish(evt); err != nil {
		log.Printf("发布事件失败 [%s]: %v", eventType, err)
	}
}
